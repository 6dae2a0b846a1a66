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

package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/gravitational/trace"
)

// GetAdminPasswordHash returns the stored bcrypt hash for a username.
// Absence means the configured bootstrap password is still in force.
func (s *Storage) GetAdminPasswordHash(ctx context.Context, username string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT hashed_password FROM admin_credentials WHERE username = ?`,
		username).Scan(&hash)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", trace.NotFound("no stored credential for %q", username)
		}
		return "", trace.Wrap(err)
	}
	return hash, nil
}

// UpsertAdminPasswordHash stores or replaces the bcrypt hash for a
// username. Once a row exists it is authoritative over the bootstrap
// password.
func (s *Storage) UpsertAdminPasswordHash(ctx context.Context, username, hash string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO admin_credentials (username, hashed_password, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET hashed_password = excluded.hashed_password, updated_at = excluded.updated_at`,
		username, hash, s.clock.Now().UTC())
	return trace.Wrap(err)
}

// RevokeToken adds a token id to the deny-list. Revoking the same jti
// twice is a no-op so logout stays idempotent.
func (s *Storage) RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error {
	if jti == "" {
		return trace.BadParameter("missing parameter jti")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO revoked_tokens (jti, expires_at, revoked_at) VALUES (?, ?, ?)`,
		jti, expiresAt.UTC(), s.clock.Now().UTC())
	return trace.Wrap(err)
}

// IsTokenRevoked reports whether a token id is on the deny-list.
func (s *Storage) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM revoked_tokens WHERE jti = ?`, jti).Scan(&count)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return count != 0, nil
}

// PruneRevokedTokens drops deny-list rows whose tokens have expired
// anyway, returning how many were removed.
func (s *Storage) PruneRevokedTokens(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM revoked_tokens WHERE expires_at < ?`, s.clock.Now().UTC())
	if err != nil {
		return 0, trace.Wrap(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return n, nil
}
