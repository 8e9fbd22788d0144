package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters.
const (
	argonTime    = 3         // iterations
	argonMemory  = 64 * 1024 // 64 MiB
	argonThreads = 1         // parallelism
	argonKeyLen  = 32        // output hash length
	argonSaltLen = 16        // salt length

	phcPrefix = "$argon2id$"
)

// HashKey hashes a secret with Argon2id and returns it in PHC string format:
// $argon2id$v=19$m=65536,t=3,p=1$<salt>$<hash>
func HashKey(key string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	hash := argon2.IDKey([]byte(key), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyKey checks a candidate secret against an Argon2id PHC hash string.
func VerifyKey(key, encodedHash string) (bool, error) {
	salt, hash, params, err := decodePHC(encodedHash)
	if err != nil {
		return false, err
	}

	candidate := argon2.IDKey([]byte(key), salt, params.time, params.memory, params.threads, uint32(len(hash))) //nolint:gosec // G115: hash length always fits uint32

	return subtle.ConstantTimeCompare(hash, candidate) == 1, nil
}

// KeyVerifier checks operator keys presented at the token endpoint.
// Only the Argon2id hash of the configured key is kept.
type KeyVerifier struct {
	hash string
}

// NewKeyVerifier accepts either a plaintext key, which is hashed here, or an
// existing $argon2id$ PHC hash. An empty key yields a verifier that rejects everything.
func NewKeyVerifier(key string) (*KeyVerifier, error) {
	if key == "" {
		return &KeyVerifier{}, nil
	}
	if strings.HasPrefix(key, phcPrefix) {
		if _, _, _, err := decodePHC(key); err != nil {
			return nil, fmt.Errorf("operator key hash: %w", err)
		}
		return &KeyVerifier{hash: key}, nil
	}
	hash, err := HashKey(key)
	if err != nil {
		return nil, err
	}
	return &KeyVerifier{hash: hash}, nil
}

// Enabled reports whether a key is configured.
func (v *KeyVerifier) Enabled() bool {
	return v != nil && v.hash != ""
}

// Verify reports whether candidate matches the configured key.
func (v *KeyVerifier) Verify(candidate string) bool {
	if !v.Enabled() || candidate == "" {
		return false
	}
	ok, err := VerifyKey(candidate, v.hash)
	return err == nil && ok
}

type argonParams struct {
	time    uint32
	memory  uint32
	threads uint8
}

// decodePHC parses an Argon2id PHC string format into its components.
func decodePHC(encoded string) (salt, hash []byte, params argonParams, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 { //nolint:mnd // PHC format has exactly 6 $-delimited parts
		return nil, nil, params, fmt.Errorf("invalid PHC hash format")
	}

	if parts[1] != "argon2id" {
		return nil, nil, params, fmt.Errorf("unsupported algorithm: %s", parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil { //nolint:govet // shadow: err re-declared in nested scope
		return nil, nil, params, fmt.Errorf("parsing version: %w", err)
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.memory, &params.time, &params.threads); err != nil { //nolint:govet // shadow: err re-declared in nested scope
		return nil, nil, params, fmt.Errorf("parsing parameters: %w", err)
	}

	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, params, fmt.Errorf("decoding salt: %w", err)
	}

	hash, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, nil, params, fmt.Errorf("decoding hash: %w", err)
	}

	return salt, hash, params, nil
}
