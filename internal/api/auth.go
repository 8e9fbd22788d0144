package api

import (
	"encoding/json"
	"net/http"

	"github.com/nerrad567/fleetmon/internal/auth"
)

// defaultTokenSubject names tokens requested without a subject.
const defaultTokenSubject = "operator"

type tokenRequest struct {
	Key     string `json:"key"`
	Subject string `json:"subject"`
	Role    string `json:"role"`
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int       `json:"expires_in"`
	Role        auth.Role `json:"role"`
}

// handleToken exchanges the operator key for a signed access token.
// The role defaults to operator; a viewer token may be requested instead.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if !s.keys.Enabled() {
		writeServiceUnavailable(w, "token issuance is disabled: no operator key configured")
		return
	}

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	role := auth.RoleOperator
	if req.Role != "" {
		role = auth.Role(req.Role)
		if !auth.IsValidRole(role) {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, "unknown role: "+req.Role)
			return
		}
	}

	if !s.keys.Verify(req.Key) {
		s.logger.Warn("token request rejected", "remote", r.RemoteAddr, "request_id", r.Context().Value(ctxKeyRequestID))
		writeUnauthorized(w, auth.ErrInvalidCredentials.Error())
		return
	}

	subject := req.Subject
	if subject == "" {
		subject = defaultTokenSubject
	}

	ttl := s.tokenTTL
	if ttl <= 0 {
		ttl = auth.DefaultAccessTokenTTL
	}

	token, err := auth.GenerateAccessToken(subject, role, s.secCfg.JWT.Secret, ttl)
	if err != nil {
		s.logger.Error("failed to sign access token", "error", err)
		writeInternalError(w, "failed to issue token")
		return
	}

	s.logger.Info("access token issued", "subject", subject, "role", role)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(ttl.Seconds()),
		Role:        role,
	})
}
