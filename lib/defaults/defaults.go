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

// Package defaults contains default constants set in various parts of
// the cloudshell codebase
package defaults

import "time"

const (
	// ListenAddr is where the web edge binds when no address is configured
	ListenAddr = ":8000"

	// DataDir holds the sqlite database, the known_hosts file and the
	// encrypted key directory
	DataDir = "/data"

	// DatabaseFile is the sqlite file name inside the data directory
	DatabaseFile = "cloudshell.db"

	// KeysDir is the subdirectory of the data directory holding
	// encrypted private keys
	KeysDir = "keys"

	// KnownHostsFile records host keys accepted on first contact
	KnownHostsFile = "known_hosts"

	// AdminUser is the login accepted by the token endpoint unless
	// overridden by ADMIN_USER
	AdminUser = "admin"

	// AdminPassword is the bootstrap password compared until the
	// operator stores a hashed one
	AdminPassword = "changeme"

	// SecretKey is the dev-only vault passphrase; production
	// deployments must set SECRET_KEY
	SecretKey = "changeme-please-set-in-env"

	// TokenTTL is how long issued bearer tokens stay valid
	TokenTTL = 8 * time.Hour

	// AuditRetention is how far back audit rows are kept by a prune
	AuditRetention = 7 * 24 * time.Hour

	// SSHPort is the port stored for a device when none is given
	SSHPort = 22

	// MinPasswordLength is enforced on password changes
	MinPasswordLength = 8
)

const (
	// TermType is the terminal type requested for remote PTYs
	TermType = "xterm-256color"

	// TermCols is the fallback width when the browser never sends an
	// initial resize
	TermCols = 220

	// TermRows is the fallback height when the browser never sends an
	// initial resize
	TermRows = 50

	// ResizeWait bounds how long the bridge waits for the initial
	// resize frame before falling back to TermCols x TermRows
	ResizeWait = 3 * time.Second

	// TermBufferSize is the largest chunk read from the PTY per
	// websocket frame
	TermBufferSize = 4096
)

const (
	// MaxAuditDetail truncates the free-form detail column
	MaxAuditDetail = 1024

	// MaxSourceIPLength fits the audit source_ip column
	MaxSourceIPLength = 45

	// AuditPageSize is the page size of the audit listing when the
	// request does not pass one
	AuditPageSize = 50

	// AuditMaxPageSize caps the page size of the audit listing
	AuditMaxPageSize = 500
)
