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

// AuditEvent is one immutable audit row.
type AuditEvent struct {
	ID        int64
	Timestamp time.Time
	Username  string
	Action    string
	SourceIP  string
	Detail    string
}

// InsertAuditEvent appends one row to the audit log.
func (s *Storage) InsertAuditEvent(ctx context.Context, event AuditEvent) error {
	if event.Username == "" || event.Action == "" {
		return trace.BadParameter("audit events need a username and an action")
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = s.clock.Now()
	}
	stmt, err := s.db.PrepareContext(ctx,
		`INSERT INTO audit_logs (timestamp, username, action, source_ip, detail) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return trace.Wrap(err)
	}
	defer stmt.Close()
	_, err = stmt.ExecContext(ctx, ts.UTC(), event.Username, event.Action,
		nullable(event.SourceIP), nullable(event.Detail))
	return trace.Wrap(err)
}

// SearchAuditEvents returns one page of the audit log, newest first,
// along with the total row count for pagination.
func (s *Storage) SearchAuditEvents(ctx context.Context, page, pageSize int) ([]AuditEvent, int, error) {
	if page < 1 {
		return nil, 0, trace.BadParameter("page must be positive, got %v", page)
	}
	if pageSize < 1 {
		return nil, 0, trace.BadParameter("page size must be positive, got %v", pageSize)
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM audit_logs`).Scan(&total); err != nil {
		return nil, 0, trace.Wrap(err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, username, action, source_ip, detail FROM audit_logs
		ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`,
		pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, trace.Wrap(err)
	}
	defer rows.Close()
	var out []AuditEvent
	for rows.Next() {
		var (
			event    AuditEvent
			sourceIP sql.NullString
			detail   sql.NullString
		)
		if err := rows.Scan(&event.ID, &event.Timestamp, &event.Username,
			&event.Action, &sourceIP, &detail); err != nil {
			return nil, 0, trace.Wrap(err)
		}
		event.SourceIP = sourceIP.String
		event.Detail = detail.String
		out = append(out, event)
	}
	return out, total, trace.Wrap(rows.Err())
}

// PruneAuditEvents deletes rows older than the cutoff, returning how
// many were removed.
func (s *Storage) PruneAuditEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_logs WHERE timestamp < ?`, cutoff.UTC())
	if err != nil {
		return 0, trace.Wrap(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return n, nil
}
