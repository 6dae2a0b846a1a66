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

package httplib

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/cloudshell/lib/auth"
	"github.com/gravitational/cloudshell/lib/secret"
	"github.com/gravitational/cloudshell/lib/sshutils"
)

func TestReplyErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		code       int
		authHeader bool
	}{
		{
			name:       "missing token",
			err:        trace.Wrap(auth.ErrTokenMissing),
			code:       http.StatusUnauthorized,
			authHeader: true,
		},
		{
			name:       "expired token",
			err:        trace.Wrap(auth.ErrTokenExpired),
			code:       http.StatusUnauthorized,
			authHeader: true,
		},
		{
			name:       "revoked token",
			err:        trace.Wrap(auth.ErrTokenRevoked),
			code:       http.StatusUnauthorized,
			authHeader: true,
		},
		{
			name: "remote auth rejected",
			err:  trace.Wrap(sshutils.ErrAuthFailed),
			code: http.StatusUnauthorized,
		},
		{
			name: "not found",
			err:  trace.NotFound("device 42 not found"),
			code: http.StatusNotFound,
		},
		{
			name: "validation",
			err:  trace.BadParameter("missing parameter name"),
			code: http.StatusUnprocessableEntity,
		},
		{
			name: "ssh transport",
			err:  trace.Wrap(sshutils.ErrTransport),
			code: http.StatusBadGateway,
		},
		{
			name: "connection lost",
			err:  trace.ConnectionProblem(nil, "connection refused"),
			code: http.StatusGatewayTimeout,
		},
		{
			name: "vault tamper",
			err:  trace.Wrap(secret.ErrTampered),
			code: http.StatusInternalServerError,
		},
		{
			name: "unclassified",
			err:  trace.Errorf("disk on fire"),
			code: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			ReplyError(w, tt.err)
			require.Equal(t, tt.code, w.Code)
			if tt.authHeader {
				require.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
			}
			var body errorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			require.NotEmpty(t, body.Detail)
		})
	}
}

func TestReplyErrorWithholdsTamperDetail(t *testing.T) {
	w := httptest.NewRecorder()
	ReplyError(w, trace.Wrap(secret.ErrTampered))
	var body errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "internal server error", body.Detail)
	require.Equal(t, "internal_error", body.Type)
}

func TestMakeHandlerAlreadyWritten(t *testing.T) {
	handle := MakeHandler(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
		w.WriteHeader(http.StatusNoContent)
		return nil, nil
	})
	w := httptest.NewRecorder()
	handle(w, httptest.NewRequest(http.MethodPost, "/", nil), nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Empty(t, w.Body.Bytes())
}

func TestWithRecovery(t *testing.T) {
	handler := WithRecovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	var body errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "internal_error", body.Type)
}

func TestCORS(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("disabled with empty allow list", func(t *testing.T) {
		handler := CORS(nil, inner)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://app.example.com")
		handler.ServeHTTP(w, req)
		require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("allowed origin echoed", func(t *testing.T) {
		handler := CORS([]string{"https://app.example.com"}, inner)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://app.example.com")
		handler.ServeHTTP(w, req)
		require.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("unlisted origin ignored", func(t *testing.T) {
		handler := CORS([]string{"https://app.example.com"}, inner)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		handler.ServeHTTP(w, req)
		require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight short-circuits", func(t *testing.T) {
		handler := CORS([]string{"*"}, inner)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodOptions, "/", nil)
		req.Header.Set("Origin", "https://anywhere.example.com")
		handler.ServeHTTP(w, req)
		require.Equal(t, http.StatusNoContent, w.Code)
	})
}
