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
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/gravitational/cloudshell"
	"github.com/gravitational/cloudshell/lib/defaults"
	"github.com/gravitational/cloudshell/lib/sshutils/sshtest"
	"github.com/gravitational/cloudshell/lib/storage"
)

func newEchoServer(t *testing.T) *sshtest.Server {
	server, err := sshtest.NewServer(sshtest.Config{
		User:     "testuser",
		Password: "testpass",
	})
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })
	return server
}

func passwordCredential(password string) *ResolvedCredential {
	return &ResolvedCredential{
		AuthType: storage.AuthTypePassword,
		Password: password,
	}
}

func TestDialConfigDefaults(t *testing.T) {
	cfg := DialConfig{
		Hostname:   "host",
		Username:   "testuser",
		Credential: passwordCredential("testpass"),
		HostKeys:   NewHostKeyStore(filepath.Join(t.TempDir(), "known_hosts")),
	}
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, defaults.SSHPort, cfg.Port)
	require.Equal(t, cloudshell.SSHDialTimeout, cfg.DialTimeout)

	require.Error(t, (&DialConfig{}).CheckAndSetDefaults())
}

func TestDialPassword(t *testing.T) {
	server := newEchoServer(t)
	knownHosts := filepath.Join(t.TempDir(), "known_hosts")

	client, err := Dial(context.Background(), DialConfig{
		Hostname:   server.Hostname(),
		Port:       server.Port(),
		Username:   "testuser",
		Credential: passwordCredential("testpass"),
		HostKeys:   NewHostKeyStore(knownHosts),
	})
	require.NoError(t, err)
	defer client.Close()

	// First contact pinned the host key.
	data, err := os.ReadFile(knownHosts)
	require.NoError(t, err)
	require.NotEmpty(t, data)
}

func TestDialKey(t *testing.T) {
	_, rawKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(rawKey)
	require.NoError(t, err)
	server, err := sshtest.NewServer(sshtest.Config{
		User:          "testuser",
		AuthorizedKey: signer.PublicKey(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })

	// Write the private key the way the materializer would.
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_key.pem")
	block, err := ssh.MarshalPrivateKey(rawKey, "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600))

	client, err := Dial(context.Background(), DialConfig{
		Hostname: server.Hostname(),
		Port:     server.Port(),
		Username: "testuser",
		Credential: &ResolvedCredential{
			AuthType: storage.AuthTypeKey,
			KeyPath:  keyPath,
		},
		HostKeys: NewHostKeyStore(filepath.Join(dir, "known_hosts")),
	})
	require.NoError(t, err)
	client.Close()
}

func TestDialRejectsBadPassword(t *testing.T) {
	server := newEchoServer(t)

	_, err := Dial(context.Background(), DialConfig{
		Hostname:   server.Hostname(),
		Port:       server.Port(),
		Username:   "testuser",
		Credential: passwordCredential("wrong"),
		HostKeys:   NewHostKeyStore(filepath.Join(t.TempDir(), "known_hosts")),
	})
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestDialRejectsHostKeyMismatch(t *testing.T) {
	server := newEchoServer(t)
	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	store := NewHostKeyStore(knownHosts)

	// Pin a different key for the server's address first.
	imposter, err := sshtest.GenerateHostKey()
	require.NoError(t, err)
	require.NoError(t, store.checkHostKey(server.Addr(), nil, imposter.PublicKey()))

	before, err := os.ReadFile(knownHosts)
	require.NoError(t, err)

	_, err = Dial(context.Background(), DialConfig{
		Hostname:   server.Hostname(),
		Port:       server.Port(),
		Username:   "testuser",
		Credential: passwordCredential("testpass"),
		HostKeys:   store,
	})
	require.Error(t, err)
	require.True(t, IsHostKeyMismatch(err))

	// The rejected contact wrote nothing.
	after, err := os.ReadFile(knownHosts)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestDialConnectionRefused(t *testing.T) {
	// Grab a port and close it again so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	portNum, err := strconv.Atoi(port)
	require.NoError(t, err)

	_, err = Dial(context.Background(), DialConfig{
		Hostname:    host,
		Port:        portNum,
		Username:    "testuser",
		Credential:  passwordCredential("testpass"),
		HostKeys:    NewHostKeyStore(filepath.Join(t.TempDir(), "known_hosts")),
		DialTimeout: 2 * time.Second,
	})
	require.Error(t, err)
	require.True(t, trace.IsConnectionProblem(err))
}

func TestClassifyDialError(t *testing.T) {
	require.NoError(t, ClassifyDialError(nil))

	err := ClassifyDialError(&HostKeyMismatchError{Host: "h"})
	require.True(t, IsHostKeyMismatch(err))

	err = ClassifyDialError(trace.Errorf("ssh: handshake failed: ssh: unable to authenticate, attempted methods [password]"))
	require.ErrorIs(t, err, ErrAuthFailed)

	err = ClassifyDialError(trace.Errorf("dial tcp: connection refused"))
	require.True(t, trace.IsConnectionProblem(err))

	err = ClassifyDialError(trace.Errorf("ssh: unexpected packet"))
	require.ErrorIs(t, err, ErrTransport)
}
