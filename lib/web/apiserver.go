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

// Package web implements the gateway's HTTP edge: the REST API, the
// websocket terminal bridge and the error-to-status mapping between
// the lower layers and browsers.
package web

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/cloudshell"
	"github.com/gravitational/cloudshell/lib/auth"
	"github.com/gravitational/cloudshell/lib/defaults"
	"github.com/gravitational/cloudshell/lib/events"
	"github.com/gravitational/cloudshell/lib/httplib"
	"github.com/gravitational/cloudshell/lib/secret"
	"github.com/gravitational/cloudshell/lib/session"
	"github.com/gravitational/cloudshell/lib/sshutils"
	"github.com/gravitational/cloudshell/lib/storage"
)

// Config is the web handler configuration.
type Config struct {
	// Auth issues and validates bearer tokens
	Auth *auth.Server
	// Registry tracks live sessions
	Registry *session.Registry
	// Vault seals credentials and owns key files
	Vault *secret.Vault
	// AuditLog records operator actions
	AuditLog *events.AuditLog
	// Storage is the device catalog
	Storage *storage.Storage
	// Version is reported by the health endpoint
	Version string
	// AllowedOrigins is the CORS allow list, empty disables CORS
	AllowedOrigins []string
	// Clock is a clock, real or test
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Auth == nil {
		return trace.BadParameter("missing parameter Auth")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Vault == nil {
		return trace.BadParameter("missing parameter Vault")
	}
	if c.AuditLog == nil {
		return trace.BadParameter("missing parameter AuditLog")
	}
	if c.Storage == nil {
		return trace.BadParameter("missing parameter Storage")
	}
	if c.Version == "" {
		c.Version = cloudshell.Version
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Handler is the gateway's HTTP edge.
type Handler struct {
	httprouter.Router
	cfg       Config
	log       *logrus.Entry
	startTime time.Time
}

// NewHandler builds the edge and binds all routes.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg: cfg,
		log: logrus.WithFields(logrus.Fields{
			cloudshell.ComponentKey: cloudshell.ComponentWeb,
		}),
		startTime: cfg.Clock.Now(),
	}

	// Public endpoints.
	h.GET("/api/health", httplib.MakeHandler(h.health))
	h.Handler("GET", "/metrics", promhttp.Handler())

	// Authentication.
	h.POST("/api/auth/token", httplib.MakeHandler(h.login))
	h.POST("/api/auth/refresh", httplib.MakeHandler(h.refresh))
	h.POST("/api/auth/logout", httplib.MakeHandler(h.logout))
	h.GET("/api/auth/me", h.WithAuth(h.whoami))
	h.POST("/api/auth/change-password", h.WithAuth(h.changePassword))

	// Terminals.
	h.POST("/api/terminal/session/:device_id", h.WithAuth(h.createShellSession))
	h.GET("/api/terminal/ws/:session_id", h.terminalWS)

	// SFTP. The subtree mixes a static segment (session/:device_id)
	// with a session-id wildcard in the same position, which httprouter
	// cannot express in one tree, so everything below /api/sftp/ funnels
	// through one dispatcher per method.
	h.GET("/api/sftp/*path", h.WithAuth(h.sftpDispatch))
	h.POST("/api/sftp/*path", h.WithAuth(h.sftpDispatch))
	h.DELETE("/api/sftp/*path", h.WithAuth(h.sftpDispatch))

	// Device catalog.
	h.GET("/api/devices", h.WithAuth(h.listDevices))
	h.POST("/api/devices", h.WithAuth(h.createDevice))
	h.GET("/api/devices/:device_id", h.WithAuth(h.getDevice))
	h.PUT("/api/devices/:device_id", h.WithAuth(h.updateDevice))
	h.DELETE("/api/devices/:device_id", h.WithAuth(h.deleteDevice))

	// Key generation and audit.
	h.POST("/api/keys/generate", h.WithAuth(h.generateKeyPair))
	h.GET("/api/audit/logs", h.WithAuth(h.auditLogs))
	h.POST("/api/audit/prune", h.WithAuth(h.auditPrune))

	return h, nil
}

// Middleware wraps the router in panic recovery and, when configured,
// CORS. This is the handler to hang off an http.Server.
func (h *Handler) Middleware() http.Handler {
	return httplib.WithRecovery(httplib.CORS(h.cfg.AllowedOrigins, h))
}

// AuthenticatedHandler is a HandlerFunc with the validated claims of
// the calling operator.
type AuthenticatedHandler func(w http.ResponseWriter, r *http.Request, p httprouter.Params, claims *auth.Claims) (interface{}, error)

// WithAuth enforces bearer authentication before running the handler.
func (h *Handler) WithAuth(fn AuthenticatedHandler) httprouter.Handle {
	return httplib.MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		claims, err := h.authenticate(r)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return fn(w, r, p, claims)
	})
}

// authenticate extracts and fully validates the bearer token.
func (h *Handler) authenticate(r *http.Request) (*auth.Claims, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	claims, err := h.cfg.Auth.ValidateToken(r.Context(), raw)
	return claims, trace.Wrap(err)
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", trace.Wrap(auth.ErrTokenMissing)
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", trace.Wrap(auth.ErrTokenInvalid)
	}
	return token, nil
}

// health is the public liveness endpoint.
func (h *Handler) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	return map[string]interface{}{
		"status":         "ok",
		"version":        h.cfg.Version,
		"uptime_seconds": int64(h.cfg.Clock.Now().Sub(h.startTime).Seconds()),
	}, nil
}

// generateKeyPair mints a fresh RSA keypair for the operator to
// install on a device.
func (h *Handler) generateKeyPair(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ *auth.Claims) (interface{}, error) {
	private, public, err := secret.GenerateKeyPair()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{
		"private_key": string(private),
		"public_key":  string(public),
	}, nil
}

// auditLogs returns one page of the audit log, newest first.
func (h *Handler) auditLogs(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ *auth.Claims) (interface{}, error) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", defaults.AuditPageSize)
	if pageSize > defaults.AuditMaxPageSize {
		pageSize = defaults.AuditMaxPageSize
	}
	logs, total, err := h.cfg.AuditLog.Search(r.Context(), page, pageSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	entries := make([]auditEntry, 0, len(logs))
	for _, row := range logs {
		entries = append(entries, auditEntry{
			ID:        row.ID,
			Timestamp: row.Timestamp.UTC().Format(time.RFC3339),
			Username:  row.Username,
			Action:    row.Action,
			SourceIP:  row.SourceIP,
			Detail:    row.Detail,
		})
	}
	return map[string]interface{}{
		"logs":      entries,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	}, nil
}

// auditPrune drops audit rows older than the retention window.
func (h *Handler) auditPrune(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ *auth.Claims) (interface{}, error) {
	deleted, err := h.cfg.AuditLog.Prune(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"deleted":        deleted,
		"retention_days": int(h.cfg.AuditLog.Retention.Hours() / 24),
	}, nil
}

type auditEntry struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"timestamp"`
	Username  string `json:"username"`
	Action    string `json:"action"`
	SourceIP  string `json:"source_ip,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// openDevice looks a device up and materializes its credential. The
// caller must defer credential cleanup.
func (h *Handler) openDevice(r *http.Request, p httprouter.Params) (*storage.Device, *sshutils.ResolvedCredential, error) {
	id, err := paramInt64(p, "device_id")
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	device, err := h.cfg.Storage.GetDevice(r.Context(), id)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	credential, err := sshutils.Materialize(device, h.cfg.Vault)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return device, credential, nil
}

func deviceLabel(d *storage.Device) string {
	return fmt.Sprintf("%v (%v:%v)", d.Name, d.Hostname, d.Port)
}

// queryInt reads an integer query parameter with a fallback.
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// paramInt64 reads a numeric path parameter.
func paramInt64(p httprouter.Params, name string) (int64, error) {
	n, err := strconv.ParseInt(p.ByName(name), 10, 64)
	if err != nil {
		return 0, trace.BadParameter("parameter %v must be a number", name)
	}
	return n, nil
}
