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

// Package storage persists gateway state in a single sqlite database:
// the device catalog, the admin credential, the token deny-list and the
// audit log.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/cloudshell"
)

var log = logrus.WithFields(logrus.Fields{
	cloudshell.ComponentKey: cloudshell.ComponentStorage,
})

// schema creates all tables on first start. Later columns are added by
// columnMigrations so existing databases keep working across upgrades.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name VARCHAR(128) NOT NULL,
		hostname VARCHAR(253) NOT NULL,
		port INTEGER NOT NULL DEFAULT 22,
		username VARCHAR(128) NOT NULL,
		auth_type VARCHAR(16) NOT NULL,
		connection_type VARCHAR(4) NOT NULL DEFAULT 'ssh',
		encrypted_password VARCHAR(512),
		key_filename VARCHAR(256),
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS admin_credentials (
		username VARCHAR(128) PRIMARY KEY,
		hashed_password VARCHAR(256) NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS revoked_tokens (
		jti VARCHAR(64) PRIMARY KEY,
		expires_at DATETIME NOT NULL,
		revoked_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		username VARCHAR(128) NOT NULL,
		action VARCHAR(64) NOT NULL,
		source_ip VARCHAR(45),
		detail TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS audit_logs_timestamp_idx ON audit_logs (timestamp)`,
	`CREATE INDEX IF NOT EXISTS audit_logs_username_idx ON audit_logs (username)`,
	`CREATE INDEX IF NOT EXISTS audit_logs_action_idx ON audit_logs (action)`,
}

// columnMigrations adds columns missing from tables created by earlier
// releases. SQLite backfills existing rows with the DEFAULT literal.
var columnMigrations = []struct {
	table      string
	column     string
	definition string
}{
	{"devices", "connection_type", "VARCHAR(4) NOT NULL DEFAULT 'ssh'"},
}

// Config configures the sqlite storage backend.
type Config struct {
	// Path is the database file location
	Path string
	// Clock stamps created_at/updated_at columns
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing parameter Path")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Storage is a handle to the sqlite database. Safe for concurrent use;
// the busy timeout in the DSN covers writer contention.
type Storage struct {
	db    *sql.DB
	clock clockwork.Clock
}

// New opens (creating if needed) the database and brings the schema up
// to date.
func New(cfg Config) (*Storage, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, trace.ConvertSystemError(err)
		}
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%v?_busy_timeout=5000&_journal_mode=WAL", cfg.Path))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Storage{db: db, clock: cfg.Clock}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Storage) Close() error {
	return trace.Wrap(s.db.Close())
}

func (s *Storage) initSchema() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return trace.Wrap(err, "creating schema")
		}
	}
	for _, m := range columnMigrations {
		ok, err := s.hasColumn(m.table, m.column)
		if err != nil {
			return trace.Wrap(err)
		}
		if ok {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %v ADD COLUMN %v %v", m.table, m.column, m.definition)
		if _, err := s.db.Exec(stmt); err != nil {
			return trace.Wrap(err, "adding column %v.%v", m.table, m.column)
		}
		log.Infof("Migration: added column %v.%v.", m.table, m.column)
	}
	return nil
}

func (s *Storage) hasColumn(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%v)", table))
	if err != nil {
		return false, trace.Wrap(err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &defaultVal, &pk); err != nil {
			return false, trace.Wrap(err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, trace.Wrap(rows.Err())
}
