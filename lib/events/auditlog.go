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

// Package events records operator actions in the audit log.
//
// Audit writes are advisory: a failed insert is logged and dropped, it
// never fails the operation being audited.
package events

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/cloudshell"
	"github.com/gravitational/cloudshell/lib/defaults"
	"github.com/gravitational/cloudshell/lib/storage"
)

// Audit actions. One constant per kind of row that can appear in the
// audit log.
const (
	ActionLogin           = "LOGIN"
	ActionLogout          = "LOGOUT"
	ActionPasswordChanged = "PASSWORD_CHANGED"
	ActionSessionStarted  = "SESSION_STARTED"
	ActionSessionEnded    = "SESSION_ENDED"
)

var (
	auditEventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_events_emitted_total",
			Help: "Number of audit events written, by action",
		},
		[]string{"action"},
	)
	auditEventsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_events_failed_total",
			Help: "Number of audit events dropped because the write failed",
		},
	)
)

func init() {
	// Metrics have to be registered to be exposed:
	prometheus.MustRegister(auditEventsEmitted)
	prometheus.MustRegister(auditEventsFailed)
}

// Event is one action about to be recorded.
type Event struct {
	// Username is the acting principal
	Username string
	// Action is one of the Action* constants
	Action string
	// SourceIP is the client address the action came from, may be empty
	SourceIP string
	// Detail is free-form context such as the device label, may be empty
	Detail string
}

// AuditLogConfig configures the audit log.
type AuditLogConfig struct {
	// Storage is the backing database
	Storage *storage.Storage
	// Retention bounds how far back Prune keeps rows
	Retention time.Duration
	// Clock is a clock, real or test
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults.
func (c *AuditLogConfig) CheckAndSetDefaults() error {
	if c.Storage == nil {
		return trace.BadParameter("missing parameter Storage")
	}
	if c.Retention <= 0 {
		c.Retention = defaults.AuditRetention
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// AuditLog records operator actions.
type AuditLog struct {
	*logrus.Entry
	AuditLogConfig
}

// NewAuditLog returns a ready audit log.
func NewAuditLog(cfg AuditLogConfig) (*AuditLog, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &AuditLog{
		Entry: logrus.WithFields(logrus.Fields{
			cloudshell.ComponentKey: cloudshell.ComponentAudit,
		}),
		AuditLogConfig: cfg,
	}, nil
}

// Emit writes one audit row. It never returns an error: audit failures
// are logged and counted, not propagated into request handling.
func (l *AuditLog) Emit(ctx context.Context, event Event) {
	if len(event.Detail) > defaults.MaxAuditDetail {
		event.Detail = event.Detail[:defaults.MaxAuditDetail]
	}
	if len(event.SourceIP) > defaults.MaxSourceIPLength {
		event.SourceIP = event.SourceIP[:defaults.MaxSourceIPLength]
	}
	err := l.Storage.InsertAuditEvent(ctx, storage.AuditEvent{
		Timestamp: l.Clock.Now().UTC(),
		Username:  event.Username,
		Action:    event.Action,
		SourceIP:  event.SourceIP,
		Detail:    event.Detail,
	})
	if err != nil {
		auditEventsFailed.Inc()
		l.Errorf("Failed to write audit event (user=%v, action=%v): %v.",
			event.Username, event.Action, err)
		return
	}
	auditEventsEmitted.WithLabelValues(event.Action).Inc()
	l.Debugf("Audit: user=%v action=%v ip=%v detail=%v.",
		event.Username, event.Action, event.SourceIP, event.Detail)
}

// Search returns one page of the audit log, newest first, and the total
// row count.
func (l *AuditLog) Search(ctx context.Context, page, pageSize int) ([]storage.AuditEvent, int, error) {
	events, total, err := l.Storage.SearchAuditEvents(ctx, page, pageSize)
	return events, total, trace.Wrap(err)
}

// Prune removes rows older than the retention window, returning how
// many went away.
func (l *AuditLog) Prune(ctx context.Context) (int64, error) {
	cutoff := l.Clock.Now().UTC().Add(-l.Retention)
	deleted, err := l.Storage.PruneAuditEvents(ctx, cutoff)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if deleted > 0 {
		l.Infof("Pruned %v audit rows older than %v.", deleted, cutoff.Format(time.RFC3339))
	}
	return deleted, nil
}

// ClientIP extracts the originating client address of a request,
// honoring proxy headers. Priority: the leftmost X-Forwarded-For entry,
// then X-Real-IP, then the TCP peer. The result fits the source_ip
// column.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// "client, proxy1, proxy2"; the leftmost is the original client.
		ip := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip != "" {
			return truncateIP(ip)
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return truncateIP(strings.TrimSpace(xri))
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return truncateIP(r.RemoteAddr)
	}
	return truncateIP(host)
}

func truncateIP(ip string) string {
	if len(ip) > defaults.MaxSourceIPLength {
		return ip[:defaults.MaxSourceIPLength]
	}
	return ip
}
