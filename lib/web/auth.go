/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package web

import (
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/cloudshell/lib/auth"
	"github.com/gravitational/cloudshell/lib/events"
	"github.com/gravitational/cloudshell/lib/httplib"
)

// tokenResponse is the login and refresh reply.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   string `json:"expires_at"`
}

func newTokenResponse(token *auth.Token) *tokenResponse {
	return &tokenResponse{
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		ExpiresAt:   token.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

// login exchanges a form username/password for a bearer token. A
// failed login writes no audit row, a successful one writes LOGIN.
func (h *Handler) login(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	if err := r.ParseForm(); err != nil {
		return nil, trace.BadParameter("invalid form data: %v", err)
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if username == "" || password == "" {
		return nil, trace.BadParameter("username and password are required")
	}

	if err := h.cfg.Auth.Authenticate(r.Context(), username, password); err != nil {
		return nil, trace.Wrap(err)
	}
	token, err := h.cfg.Auth.IssueToken(r.Context(), username)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.cfg.AuditLog.Emit(r.Context(), events.Event{
		Username: username,
		Action:   events.ActionLogin,
		SourceIP: events.ClientIP(r),
	})
	return newTokenResponse(token), nil
}

// refresh exchanges a still-valid token for a fresh one, revoking the
// old one for the rest of its lifetime.
func (h *Handler) refresh(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	token, err := h.cfg.Auth.Refresh(r.Context(), raw)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return newTokenResponse(token), nil
}

// logout revokes the presented token. A missing token is a 401, an
// invalid or expired one is silently accepted.
func (h *Handler) logout(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	claims, err := h.cfg.Auth.Logout(r.Context(), raw)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if claims != nil {
		h.cfg.AuditLog.Emit(r.Context(), events.Event{
			Username: claims.Username,
			Action:   events.ActionLogout,
			SourceIP: events.ClientIP(r),
		})
	}
	w.WriteHeader(http.StatusNoContent)
	return nil, nil
}

// whoami reports the authenticated principal and token expiry.
func (h *Handler) whoami(w http.ResponseWriter, r *http.Request, _ httprouter.Params, claims *auth.Claims) (interface{}, error) {
	return map[string]string{
		"username":   claims.Username,
		"expires_at": claims.Expiry.UTC().Format(time.RFC3339),
	}, nil
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// changePassword verifies the current password and stores the new one.
func (h *Handler) changePassword(w http.ResponseWriter, r *http.Request, _ httprouter.Params, claims *auth.Claims) (interface{}, error) {
	var req changePasswordRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Auth.ChangePassword(r.Context(), claims.Username, req.CurrentPassword, req.NewPassword); err != nil {
		return nil, trace.Wrap(err)
	}
	h.cfg.AuditLog.Emit(r.Context(), events.Event{
		Username: claims.Username,
		Action:   events.ActionPasswordChanged,
		SourceIP: events.ClientIP(r),
	})
	w.WriteHeader(http.StatusNoContent)
	return nil, nil
}
