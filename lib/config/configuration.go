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

// Package config turns command line flags and environment variables
// into the configuration consumed by the cloudshell service.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/cloudshell"
	"github.com/gravitational/cloudshell/lib/defaults"
)

var log = logrus.WithFields(logrus.Fields{
	cloudshell.ComponentKey: cloudshell.ComponentWeb,
})

// CLIConf carries the raw flag and environment values collected by the
// kingpin parser in tool/cloudshell before validation.
type CLIConf struct {
	// ListenAddr is the host:port the web edge binds to
	ListenAddr string
	// DataDir is the state directory (sqlite db, known_hosts, keys/)
	DataDir string
	// SecretKey is the vault passphrase (SECRET_KEY)
	SecretKey string
	// AdminUser is the single administrative login (ADMIN_USER)
	AdminUser string
	// AdminPassword is the bootstrap password (ADMIN_PASSWORD)
	AdminPassword string
	// TokenTTLHours is the bearer token lifetime (TOKEN_TTL_HOURS)
	TokenTTLHours int
	// AuditRetentionDays bounds audit prunes (AUDIT_RETENTION_DAYS)
	AuditRetentionDays int
	// CORSOrigins is the comma separated browser origin allow list
	// (CORS_ORIGINS)
	CORSOrigins string
	// AppVersion overrides the reported version (APP_VERSION)
	AppVersion string
	// Debug turns on verbose logging
	Debug bool
}

// Config is the validated configuration of a cloudshell process.
type Config struct {
	// ListenAddr is the host:port the web edge binds to
	ListenAddr string
	// DataDir is the state directory; empty disables everything that
	// needs disk (host key pinning, key uploads), which is only
	// acceptable in development
	DataDir string
	// SecretKey is the vault passphrase
	SecretKey string
	// AdminUser is the only username the token endpoint accepts
	AdminUser string
	// AdminPassword is compared until a hashed password is stored
	AdminPassword string
	// TokenTTL is the bearer token lifetime
	TokenTTL time.Duration
	// AuditRetention is the default audit retention window
	AuditRetention time.Duration
	// AllowedOrigins lists browser origins allowed by CORS, empty
	// disables the middleware
	AllowedOrigins []string
	// Version is reported by the health endpoint
	Version string
	// Clock overrides time in tests
	Clock clockwork.Clock
}

// FromCLIConf validates raw CLI state and builds a process Config.
func FromCLIConf(cf *CLIConf) (*Config, error) {
	if cf.TokenTTLHours < 0 {
		return nil, trace.BadParameter("TOKEN_TTL_HOURS must not be negative, got %d", cf.TokenTTLHours)
	}
	if cf.AuditRetentionDays < 0 {
		return nil, trace.BadParameter("AUDIT_RETENTION_DAYS must not be negative, got %d", cf.AuditRetentionDays)
	}

	dataDir := cf.DataDir
	if dataDir == "" {
		dataDir = defaults.DataDir
	}
	cfg := &Config{
		ListenAddr:     cf.ListenAddr,
		DataDir:        dataDir,
		SecretKey:      cf.SecretKey,
		AdminUser:      cf.AdminUser,
		AdminPassword:  cf.AdminPassword,
		TokenTTL:       time.Duration(cf.TokenTTLHours) * time.Hour,
		AuditRetention: time.Duration(cf.AuditRetentionDays) * 24 * time.Hour,
		Version:        cf.AppVersion,
	}
	if cf.CORSOrigins != "" {
		for _, origin := range strings.Split(cf.CORSOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
			}
		}
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// CheckAndSetDefaults fills in missing values and warns about insecure
// ones.
func (cfg *Config) CheckAndSetDefaults() error {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaults.ListenAddr
	}
	if cfg.SecretKey == "" {
		cfg.SecretKey = defaults.SecretKey
	}
	if cfg.AdminUser == "" {
		cfg.AdminUser = defaults.AdminUser
	}
	if cfg.AdminPassword == "" {
		cfg.AdminPassword = defaults.AdminPassword
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = defaults.TokenTTL
	}
	if cfg.AuditRetention == 0 {
		cfg.AuditRetention = defaults.AuditRetention
	}
	if cfg.Version == "" {
		cfg.Version = cloudshell.Version
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.SecretKey == defaults.SecretKey {
		log.Warn("SECRET_KEY is not set, encrypted credentials are protected by the built-in development key")
	}
	if cfg.AdminPassword == defaults.AdminPassword {
		log.Warn("ADMIN_PASSWORD is the well-known default, change it before exposing the gateway")
	}
	// An empty DataDir is only reachable by constructing a Config
	// directly; the CLI path always fills in the default.
	if cfg.DataDir == "" {
		log.Warn("No data directory is configured, host key verification and key uploads are disabled")
	}
	return nil
}

// DatabasePath is where the sqlite database lives.
func (cfg *Config) DatabasePath() string {
	return filepath.Join(cfg.DataDir, defaults.DatabaseFile)
}

// KeysDir is where encrypted private keys live.
func (cfg *Config) KeysDir() string {
	if cfg.DataDir == "" {
		return ""
	}
	return filepath.Join(cfg.DataDir, defaults.KeysDir)
}

// KnownHostsPath is where accepted host keys are pinned. Empty when no
// data directory is configured.
func (cfg *Config) KnownHostsPath() string {
	if cfg.DataDir == "" {
		return ""
	}
	return filepath.Join(cfg.DataDir, defaults.KnownHostsFile)
}
