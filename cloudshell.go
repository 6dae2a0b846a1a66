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

// Package cloudshell holds constants shared across the project.
package cloudshell

import "time"

// Version is reported by the health endpoint and the --version flag.
const Version = "1.2.0"

// ComponentKey is the logrus field name carrying the component a log
// line came from.
const ComponentKey = "component"

const (
	// ComponentProcess is the service supervisor
	ComponentProcess = "process"

	// ComponentWeb is the web edge: REST API and websocket terminals
	ComponentWeb = "web"

	// ComponentAuth is the token issuer and revocation store
	ComponentAuth = "auth"

	// ComponentSession is the live session registry
	ComponentSession = "session"

	// ComponentSSH is the SSH/SFTP dialer
	ComponentSSH = "ssh"

	// ComponentVault is the secret-at-rest vault
	ComponentVault = "vault"

	// ComponentAudit is the audit logger
	ComponentAudit = "audit"

	// ComponentStorage is the sqlite persistence layer
	ComponentStorage = "storage"

	// ComponentKeyGen is the SSH keypair generator
	ComponentKeyGen = "keygen"
)

const (
	// SSHDialTimeout caps how long a session open waits on the
	// remote sshd before giving up
	SSHDialTimeout = 10 * time.Second

	// KeepAliveInterval is the transport keepalive period for
	// established sessions
	KeepAliveInterval = 30 * time.Second

	// RSAKeySize is the size of generated RSA keys
	RSAKeySize = 4096
)
