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

package sshutils

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"

	"github.com/gravitational/cloudshell"
	"github.com/gravitational/cloudshell/lib/defaults"
)

var (
	// ErrAuthFailed is returned when the remote sshd rejects the
	// device's credentials.
	ErrAuthFailed = trace.AccessDenied("remote host rejected the credentials")

	// ErrTransport is returned for SSH transport and protocol failures
	// that are neither an auth rejection nor a host key mismatch.
	ErrTransport = trace.Errorf("ssh transport failure")
)

// DialConfig describes one outbound SSH connection.
type DialConfig struct {
	// Hostname is the remote host, DNS name or address literal
	Hostname string
	// Port is the remote sshd port
	Port int
	// Username is the remote login
	Username string
	// Credential is the materialized device credential
	Credential *ResolvedCredential
	// HostKeys enforces the accept-new policy
	HostKeys *HostKeyStore
	// DialTimeout bounds the TCP connect and the handshake
	DialTimeout time.Duration
	// KeepAlive is the transport keepalive period, zero disables it
	KeepAlive time.Duration
}

// CheckAndSetDefaults validates the config.
func (c *DialConfig) CheckAndSetDefaults() error {
	if c.Hostname == "" {
		return trace.BadParameter("missing parameter Hostname")
	}
	if c.Username == "" {
		return trace.BadParameter("missing parameter Username")
	}
	if c.Credential == nil {
		return trace.BadParameter("missing parameter Credential")
	}
	if c.HostKeys == nil {
		return trace.BadParameter("missing parameter HostKeys")
	}
	if c.Port <= 0 {
		c.Port = defaults.SSHPort
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = cloudshell.SSHDialTimeout
	}
	return nil
}

// Dial opens an authenticated SSH transport to a device. Dial errors
// come back classified, see ClassifyDialError.
func Dial(ctx context.Context, cfg DialConfig) (*ssh.Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	authMethod, err := cfg.Credential.AuthMethod()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	addr := net.JoinHostPort(cfg.Hostname, strconv.Itoa(cfg.Port))
	clientConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            []ssh.AuthMethod{authMethod},
		HostKeyCallback: cfg.HostKeys.Callback(),
		Timeout:         cfg.DialTimeout,
	}

	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, ClassifyDialError(err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, ClassifyDialError(err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	if cfg.KeepAlive > 0 {
		go keepAliveLoop(client, cfg.KeepAlive)
	}
	log.Infof("SSH connection established to %v@%v.", cfg.Username, addr)
	return client, nil
}

// keepAliveLoop sends transport keepalives until the connection goes
// away. A failed keepalive also means the connection is gone, which
// surfaces to both bridge goroutines as EOF.
func keepAliveLoop(client *ssh.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			return
		}
	}
}

// ClassifyDialError maps an SSH dial failure onto the error kinds the
// web edge translates into status codes:
//
//   - host key mismatch        -> *HostKeyMismatchError (502)
//   - credentials rejected     -> ErrAuthFailed (401)
//   - timeout / connection cut -> trace.ConnectionProblem (504)
//   - anything else            -> ErrTransport (502)
func ClassifyDialError(err error) error {
	if err == nil {
		return nil
	}
	if IsHostKeyMismatch(err) {
		// Unwrap so callers get the mismatch itself, not the ssh
		// handshake wrapper around it.
		return trace.Wrap(err)
	}
	if strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "no supported methods remain") {
		return trace.Wrap(ErrAuthFailed)
	}
	if isConnectionLost(err) {
		return trace.ConnectionProblem(err, "connection lost")
	}
	return trace.Wrap(ErrTransport, "%v", err)
}

func isConnectionLost(err error) bool {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"connection timed out",
		"no route to host",
		"network is unreachable",
		"i/o timeout",
		"use of closed network connection",
		"EOF",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
