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

// Package httplib implements common utility functions for writing
// the gateway's HTTP handlers: handlers return a value or an error,
// and the error-to-status mapping lives in exactly one place.
package httplib

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/cloudshell"
	"github.com/gravitational/cloudshell/lib/auth"
	"github.com/gravitational/cloudshell/lib/secret"
	"github.com/gravitational/cloudshell/lib/sshutils"
)

var log = logrus.WithFields(logrus.Fields{
	cloudshell.ComponentKey: cloudshell.ComponentWeb,
})

// HandlerFunc is an HTTP handler that returns a JSON-serializable
// result or an error. A nil result with a nil error means the handler
// already wrote the response (e.g. a 204 or a file download).
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// MakeHandler turns a HandlerFunc into an httprouter.Handle, attaching
// the shared error mapping.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		if out != nil {
			roundtrip.ReplyJSON(w, http.StatusOK, out)
		}
	}
}

// ReadJSON reads the request body and unmarshals it into val.
func ReadJSON(r *http.Request, val interface{}) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("request body is not valid JSON: %v", err)
	}
	return nil
}

// errorResponse is the JSON error envelope.
type errorResponse struct {
	// Detail is the human-readable failure description
	Detail string `json:"detail"`
	// Type is set for internal errors only
	Type string `json:"type,omitempty"`
}

// ReplyError maps an error from the lower layers onto a status code
// and writes the JSON error envelope:
//
//	auth token errors       401 + WWW-Authenticate: Bearer
//	remote auth rejection   401
//	not found               404
//	validation              422
//	host key mismatch       502
//	ssh transport/protocol  502
//	connection lost         504
//	vault tamper            500, detail withheld
//	anything else           500 {detail, type}
func ReplyError(w http.ResponseWriter, err error) {
	switch {
	case isTokenError(err):
		w.Header().Set("WWW-Authenticate", "Bearer")
		replyJSONError(w, http.StatusUnauthorized, trace.UserMessage(err))
	case errors.Is(err, sshutils.ErrAuthFailed):
		replyJSONError(w, http.StatusUnauthorized, trace.UserMessage(err))
	case trace.IsNotFound(err):
		replyJSONError(w, http.StatusNotFound, trace.UserMessage(err))
	case trace.IsBadParameter(err):
		replyJSONError(w, http.StatusUnprocessableEntity, trace.UserMessage(err))
	case sshutils.IsHostKeyMismatch(err):
		replyJSONError(w, http.StatusBadGateway, trace.UserMessage(err))
	case errors.Is(err, sshutils.ErrTransport):
		replyJSONError(w, http.StatusBadGateway, trace.UserMessage(err))
	case trace.IsConnectionProblem(err):
		replyJSONError(w, http.StatusGatewayTimeout, trace.UserMessage(err))
	case errors.Is(err, secret.ErrTampered):
		// Never leak which stored blob failed to authenticate.
		replyInternalError(w, "internal server error")
	case trace.IsAccessDenied(err):
		replyJSONError(w, http.StatusUnauthorized, trace.UserMessage(err))
	default:
		replyInternalError(w, trace.UserMessage(err))
	}
}

func isTokenError(err error) bool {
	return errors.Is(err, auth.ErrTokenMissing) ||
		errors.Is(err, auth.ErrTokenInvalid) ||
		errors.Is(err, auth.ErrTokenExpired) ||
		errors.Is(err, auth.ErrTokenRevoked) ||
		errors.Is(err, auth.ErrBootIDMismatch) ||
		errors.Is(err, auth.ErrBadCredentials)
}

func replyJSONError(w http.ResponseWriter, code int, detail string) {
	roundtrip.ReplyJSON(w, code, errorResponse{Detail: detail})
}

func replyInternalError(w http.ResponseWriter, detail string) {
	roundtrip.ReplyJSON(w, http.StatusInternalServerError, errorResponse{
		Detail: detail,
		Type:   "internal_error",
	})
}

// WithRecovery wraps an http.Handler with panic recovery: an uncaught panic
// in a handler logs the request method and path and replies with the
// internal error envelope instead of killing the connection silently.
func WithRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				log.Errorf("Panic handling %v %v: %v.", r.Method, r.URL.Path, p)
				replyInternalError(w, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// CORS returns a middleware allowing the configured browser origins.
// An empty allow list disables the middleware entirely.
func CORS(allowedOrigins []string, next http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		return next
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowed["*"] || allowed[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
