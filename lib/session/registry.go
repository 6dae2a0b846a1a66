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

// Package session tracks live SSH and SFTP sessions.
//
// The registry is the process-wide map from session id to session. A
// session exclusively owns its SSH transport and whatever was built on
// top of it (remote PTY or SFTP client); removing it from the registry
// and tearing the handles down is one atomic-enough operation: the map
// entry always goes first, so a session can never be looked up while
// half closed.
package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/cloudshell"
	"github.com/gravitational/cloudshell/lib/sshutils"
	"github.com/gravitational/cloudshell/lib/storage"
	"github.com/gravitational/cloudshell/lib/utils"
)

// Session kinds, matching the device connection types.
const (
	KindShell = storage.ConnectionTypeSSH
	KindSFTP  = storage.ConnectionTypeSFTP
)

var (
	sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Number of live sessions, by kind",
		},
		[]string{"kind"},
	)
	sessionsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessions_opened_total",
			Help: "Number of sessions opened since start, by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	utils.RegisterCollectors(sessionsActive, sessionsOpened)
}

// Meta is the session metadata captured at open time. Teardown paths
// read it before removing the session so audit entries written after
// the close are still attributable.
type Meta struct {
	// DeviceLabel names the device, e.g. "web-1 (10.0.0.5:22)"
	DeviceLabel string
	// Principal is the operator who opened the session
	Principal string
	// SourceIP is where the operator connected from
	SourceIP string
}

// OpenParams describes one session open.
type OpenParams struct {
	// Hostname is the remote host
	Hostname string
	// Port is the remote sshd port
	Port int
	// Username is the remote login
	Username string
	// Credential is the materialized device credential; the caller
	// owns its cleanup
	Credential *sshutils.ResolvedCredential
	// DeviceLabel, Principal and SourceIP become the session metadata
	DeviceLabel string
	Principal   string
	SourceIP    string
}

// Check validates open parameters.
func (p *OpenParams) Check() error {
	if p.Hostname == "" {
		return trace.BadParameter("missing parameter Hostname")
	}
	if p.Username == "" {
		return trace.BadParameter("missing parameter Username")
	}
	if p.Credential == nil {
		return trace.BadParameter("missing parameter Credential")
	}
	return nil
}

// RegistryConfig configures the session registry.
type RegistryConfig struct {
	// HostKeys enforces the accept-new host key policy on every dial
	HostKeys *sshutils.HostKeyStore
	// Clock is a clock, real or test
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config.
func (c *RegistryConfig) CheckAndSetDefaults() error {
	if c.HostKeys == nil {
		return trace.BadParameter("missing parameter HostKeys")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Registry is the process-wide session map.
type Registry struct {
	cfg RegistryConfig
	log *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Registry{
		cfg: cfg,
		log: logrus.WithFields(logrus.Fields{
			cloudshell.ComponentKey: cloudshell.ComponentSession,
		}),
		sessions: make(map[string]*Session),
	}, nil
}

// OpenShell dials a device and registers a shell session. The remote
// PTY is not requested here: the bridge creates it once the client's
// initial terminal size is known.
func (r *Registry) OpenShell(ctx context.Context, params OpenParams) (string, error) {
	return r.open(ctx, KindShell, params)
}

// OpenSFTP dials a device, starts the sftp subsystem and registers an
// SFTP session.
func (r *Registry) OpenSFTP(ctx context.Context, params OpenParams) (string, error) {
	return r.open(ctx, KindSFTP, params)
}

func (r *Registry) open(ctx context.Context, kind string, params OpenParams) (string, error) {
	if err := params.Check(); err != nil {
		return "", trace.Wrap(err)
	}
	client, err := sshutils.Dial(ctx, sshutils.DialConfig{
		Hostname:   params.Hostname,
		Port:       params.Port,
		Username:   params.Username,
		Credential: params.Credential,
		HostKeys:   r.cfg.HostKeys,
		KeepAlive:  cloudshell.KeepAliveInterval,
	})
	if err != nil {
		return "", trace.Wrap(err)
	}

	session := &Session{
		ID:     uuid.NewString(),
		Kind:   kind,
		client: client,
		meta: Meta{
			DeviceLabel: params.DeviceLabel,
			Principal:   params.Principal,
			SourceIP:    params.SourceIP,
		},
	}
	if kind == KindSFTP {
		if err := session.startSFTP(); err != nil {
			client.Close()
			return "", trace.Wrap(err)
		}
	}

	r.mu.Lock()
	r.sessions[session.ID] = session
	r.mu.Unlock()

	sessionsActive.WithLabelValues(kind).Inc()
	sessionsOpened.WithLabelValues(kind).Inc()
	r.log.Infof("Session %v opened: %v %v@%v:%v.",
		shortID(session.ID), kind, params.Username, params.Hostname, params.Port)
	return session.ID, nil
}

// Get returns a live session by id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return nil, trace.NotFound("session %v not found", id)
	}
	return session, nil
}

// Meta returns the metadata of a session, or empty values when the id
// is unknown. The boolean reports whether the session existed.
func (r *Registry) Meta(id string) (Meta, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return Meta{}, false
	}
	return session.meta, true
}

// Close removes a session and tears down its handles best-effort. The
// map entry is gone before any handle is touched. Closing an unknown
// id is a no-op.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	session, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	session.teardown()
	sessionsActive.WithLabelValues(session.Kind).Dec()
	r.log.Infof("Session %v closed.", shortID(id))
}

// CloseAll tears down every live session, used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, session := range sessions {
		session.teardown()
		sessionsActive.WithLabelValues(session.Kind).Dec()
	}
	if len(sessions) > 0 {
		r.log.Infof("Closed %v sessions at shutdown.", len(sessions))
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
