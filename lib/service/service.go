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

// Package service assembles the cloudshell process: storage, vault,
// auth, session registry and the web edge, wired together and torn
// down in order on shutdown.
package service

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/cloudshell"
	"github.com/gravitational/cloudshell/lib/auth"
	"github.com/gravitational/cloudshell/lib/config"
	"github.com/gravitational/cloudshell/lib/events"
	"github.com/gravitational/cloudshell/lib/secret"
	"github.com/gravitational/cloudshell/lib/session"
	"github.com/gravitational/cloudshell/lib/sshutils"
	"github.com/gravitational/cloudshell/lib/storage"
	"github.com/gravitational/cloudshell/lib/web"
)

// shutdownTimeout bounds how long in-flight HTTP requests may delay
// process exit. Live terminal sessions are closed separately.
const shutdownTimeout = 10 * time.Second

var log = logrus.WithFields(logrus.Fields{
	cloudshell.ComponentKey: cloudshell.ComponentProcess,
})

// Process is a fully wired cloudshell instance.
type Process struct {
	Config   *config.Config
	Storage  *storage.Storage
	Vault    *secret.Vault
	Auth     *auth.Server
	AuditLog *events.AuditLog
	Registry *session.Registry
	Handler  *web.Handler

	server *http.Server
}

// NewProcess builds every component from a validated configuration.
// Nothing is listening yet; call Run.
func NewProcess(cfg *config.Config) (*Process, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	store, err := storage.New(storage.Config{
		Path:  cfg.DatabasePath(),
		Clock: cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	vault, err := secret.NewVault(secret.VaultConfig{
		Passphrase: cfg.SecretKey,
		KeysDir:    cfg.KeysDir(),
	})
	if err != nil {
		store.Close()
		return nil, trace.Wrap(err)
	}

	authServer, err := auth.NewServer(auth.ServerConfig{
		Storage:       store,
		AdminUser:     cfg.AdminUser,
		AdminPassword: cfg.AdminPassword,
		SigningKey:    cfg.SecretKey,
		TokenTTL:      cfg.TokenTTL,
		Clock:         cfg.Clock,
	})
	if err != nil {
		store.Close()
		return nil, trace.Wrap(err)
	}

	auditLog, err := events.NewAuditLog(events.AuditLogConfig{
		Storage:   store,
		Retention: cfg.AuditRetention,
		Clock:     cfg.Clock,
	})
	if err != nil {
		store.Close()
		return nil, trace.Wrap(err)
	}

	registry, err := session.NewRegistry(session.RegistryConfig{
		HostKeys: sshutils.NewHostKeyStore(cfg.KnownHostsPath()),
		Clock:    cfg.Clock,
	})
	if err != nil {
		store.Close()
		return nil, trace.Wrap(err)
	}

	handler, err := web.NewHandler(web.Config{
		Auth:           authServer,
		Registry:       registry,
		Vault:          vault,
		AuditLog:       auditLog,
		Storage:        store,
		Version:        cfg.Version,
		AllowedOrigins: cfg.AllowedOrigins,
		Clock:          cfg.Clock,
	})
	if err != nil {
		store.Close()
		return nil, trace.Wrap(err)
	}

	return &Process{
		Config:   cfg,
		Storage:  store,
		Vault:    vault,
		Auth:     authServer,
		AuditLog: auditLog,
		Registry: registry,
		Handler:  handler,
		server: &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: handler.Middleware(),
		},
	}, nil
}

// Run serves until the context is canceled or SIGINT/SIGTERM arrives,
// then shuts down: stop accepting, drain requests, close sessions,
// close storage.
func (p *Process) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Cloudshell %v listening on %v.", p.Config.Version, p.Config.ListenAddr)
		if err := p.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- trace.Wrap(err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		p.Close()
		return trace.Wrap(err)
	case <-ctx.Done():
	}

	log.Info("Shutting down.")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := p.server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("HTTP shutdown did not finish cleanly: %v.", err)
	}
	p.Close()
	return nil
}

// Close releases everything outside the HTTP server: live sessions
// first so their audit trail can still be written, storage last.
func (p *Process) Close() {
	p.Registry.CloseAll()
	if err := p.Storage.Close(); err != nil {
		log.Warnf("Failed to close storage: %v.", err)
	}
}
