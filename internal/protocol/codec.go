package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// ErrUnknownCodec is returned by CodecByName for an unsupported name.
var ErrUnknownCodec = errors.New("protocol: unknown codec")

// ErrMalformedPayload wraps every decode failure.
var ErrMalformedPayload = errors.New("protocol: malformed payload")

// Codec serialises protocol messages. Both ends of a fleet must use the same one.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Codec names accepted in configuration.
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// CodecByName returns the codec registered under name, ignoring case.
// An empty name selects JSON.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", CodecJSON:
		return JSONCodec{}, nil
	case CodecCBOR:
		return NewCBORCodec()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// JSONCodec is the default text encoding.
type JSONCodec struct{}

// Name implements Codec.
func (JSONCodec) Name() string { return CodecJSON }

// Marshal implements Codec.
func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal implements Codec. Empty input is malformed.
func (JSONCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty", ErrMalformedPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return nil
}

// CBORCodec is a compact binary encoding for constrained links.
// Struct fields use their json tags as CBOR map keys.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// cborDecOptions decodes untyped maps as map[string]any, matching what the
// JSON codec produces.
var cborDecOptions = cbor.DecOptions{
	DefaultMapType: reflect.TypeOf(map[string]any(nil)),
}

// untypedCBOR decodes the loosely typed message fields.
var untypedCBOR = mustDecMode(cborDecOptions)

func mustDecMode(opts cbor.DecOptions) cbor.DecMode {
	dm, err := opts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: invalid cbor decode options: %v", err))
	}
	return dm
}

// NewCBORCodec builds a CBOR codec with canonical encoding.
func NewCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("building cbor encoder: %w", err)
	}
	dec, err := cborDecOptions.DecMode()
	if err != nil {
		return nil, fmt.Errorf("building cbor decoder: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

// Name implements Codec.
func (c *CBORCodec) Name() string { return CodecCBOR }

// Marshal implements Codec.
func (c *CBORCodec) Marshal(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

// Unmarshal implements Codec. Empty input is malformed.
func (c *CBORCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty", ErrMalformedPayload)
	}
	if err := c.dec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return nil
}
