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

const (
	// AuthTypePassword marks devices authenticated by a sealed password
	AuthTypePassword = "password"
	// AuthTypeKey marks devices authenticated by an encrypted key file
	AuthTypeKey = "key"

	// ConnectionTypeSSH marks devices opened as interactive shells
	ConnectionTypeSSH = "ssh"
	// ConnectionTypeSFTP marks devices opened as file transfer sessions
	ConnectionTypeSFTP = "sftp"
)

// Device is a row of the device catalog. Exactly one of
// EncryptedPassword and KeyFilename is set, matching AuthType.
type Device struct {
	ID                int64
	Name              string
	Hostname          string
	Port              int
	Username          string
	AuthType          string
	ConnectionType    string
	EncryptedPassword string
	KeyFilename       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Check validates the row before it is written.
func (d *Device) Check() error {
	if d.Name == "" {
		return trace.BadParameter("missing parameter name")
	}
	if d.Hostname == "" {
		return trace.BadParameter("missing parameter hostname")
	}
	if d.Username == "" {
		return trace.BadParameter("missing parameter username")
	}
	if d.Port <= 0 || d.Port > 65535 {
		return trace.BadParameter("port %v is out of range", d.Port)
	}
	switch d.AuthType {
	case AuthTypePassword:
		if d.EncryptedPassword == "" {
			return trace.BadParameter("password auth requires an encrypted password")
		}
	case AuthTypeKey:
	default:
		return trace.BadParameter("unsupported auth type %q", d.AuthType)
	}
	switch d.ConnectionType {
	case ConnectionTypeSSH, ConnectionTypeSFTP:
	default:
		return trace.BadParameter("unsupported connection type %q", d.ConnectionType)
	}
	return nil
}

// CreateDevice inserts a new device and returns it with the assigned id
// and timestamps filled in.
func (s *Storage) CreateDevice(ctx context.Context, d Device) (*Device, error) {
	if err := d.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	now := s.clock.Now().UTC()
	stmt, err := s.db.PrepareContext(ctx, `INSERT INTO devices
		(name, hostname, port, username, auth_type, connection_type, encrypted_password, key_filename, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer stmt.Close()
	result, err := stmt.ExecContext(ctx,
		d.Name, d.Hostname, d.Port, d.Username, d.AuthType, d.ConnectionType,
		nullable(d.EncryptedPassword), nullable(d.KeyFilename), now, now)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	d.ID = id
	d.CreatedAt = now
	d.UpdatedAt = now
	return &d, nil
}

// GetDevice fetches one device by id.
func (s *Storage) GetDevice(ctx context.Context, id int64) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, hostname, port, username,
		auth_type, connection_type, encrypted_password, key_filename, created_at, updated_at
		FROM devices WHERE id = ?`, id)
	device, err := scanDevice(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, trace.NotFound("device %v not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return device, nil
}

// ListDevices returns the whole catalog ordered by name.
func (s *Storage) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, hostname, port, username,
		auth_type, connection_type, encrypted_password, key_filename, created_at, updated_at
		FROM devices ORDER BY name`)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *device)
	}
	return out, trace.Wrap(rows.Err())
}

// UpdateDevice overwrites a device row, refreshing updated_at. The row
// must already exist.
func (s *Storage) UpdateDevice(ctx context.Context, d Device) (*Device, error) {
	if d.ID == 0 {
		return nil, trace.BadParameter("missing device id")
	}
	if err := d.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	d.UpdatedAt = s.clock.Now().UTC()
	stmt, err := s.db.PrepareContext(ctx, `UPDATE devices SET
		name = ?, hostname = ?, port = ?, username = ?, auth_type = ?, connection_type = ?,
		encrypted_password = ?, key_filename = ?, updated_at = ?
		WHERE id = ?`)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer stmt.Close()
	result, err := stmt.ExecContext(ctx,
		d.Name, d.Hostname, d.Port, d.Username, d.AuthType, d.ConnectionType,
		nullable(d.EncryptedPassword), nullable(d.KeyFilename), d.UpdatedAt, d.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if n == 0 {
		return nil, trace.NotFound("device %v not found", d.ID)
	}
	return &d, nil
}

// SetDeviceKeyFile records the encrypted key file name of a device.
// Used right after create, once the id needed for the file name exists.
func (s *Storage) SetDeviceKeyFile(ctx context.Context, id int64, filename string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE devices SET key_filename = ?, updated_at = ? WHERE id = ?`,
		filename, s.clock.Now().UTC(), id)
	if err != nil {
		return trace.Wrap(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.NotFound("device %v not found", id)
	}
	return nil
}

// DeleteDevice removes a device row. The caller is responsible for
// removing the key file first.
func (s *Storage) DeleteDevice(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return trace.Wrap(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if n == 0 {
		return trace.NotFound("device %v not found", id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (*Device, error) {
	var (
		d        Device
		password sql.NullString
		keyFile  sql.NullString
	)
	err := row.Scan(&d.ID, &d.Name, &d.Hostname, &d.Port, &d.Username,
		&d.AuthType, &d.ConnectionType, &password, &keyFile, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.EncryptedPassword = password.String
	d.KeyFilename = keyFile.String
	return &d, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
