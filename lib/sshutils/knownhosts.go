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

// Package sshutils dials devices over SSH: it resolves stored
// credentials into dialable form, enforces the accept-new host key
// policy and classifies dial failures for the web edge.
package sshutils

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/gofrs/flock"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/gravitational/cloudshell"
)

var log = logrus.WithFields(logrus.Fields{
	cloudshell.ComponentKey: cloudshell.ComponentSSH,
})

// HostKeyMismatchError is returned when a host presents a key that
// differs from the one pinned in known_hosts. It is never written
// around: the operator has to resolve the conflict by hand.
type HostKeyMismatchError struct {
	// Host is the normalized host the mismatch happened for
	Host string
}

// Error implements the error interface.
func (e *HostKeyMismatchError) Error() string {
	return fmt.Sprintf("host key for %v does not match the pinned key, refusing to connect", e.Host)
}

// HostKeyStore implements OpenSSH's accept-new policy on top of a
// known_hosts file:
//
//   - a host already in the file must present the pinned key, anything
//     else is rejected without touching the file
//   - an unknown host is trusted on first contact and its key appended
//
// An empty path disables verification entirely, which is acceptable in
// development only.
type HostKeyStore struct {
	// Path is the known_hosts file location
	Path string
}

// NewHostKeyStore returns a store backed by the given file.
func NewHostKeyStore(path string) *HostKeyStore {
	return &HostKeyStore{Path: path}
}

// Callback returns the ssh.HostKeyCallback to dial with.
func (s *HostKeyStore) Callback() ssh.HostKeyCallback {
	if s.Path == "" {
		log.Warn("Host key verification is disabled, set DATA_DIR to enable it.")
		return ssh.InsecureIgnoreHostKey()
	}
	return s.checkHostKey
}

func (s *HostKeyStore) checkHostKey(addr string, remote net.Addr, key ssh.PublicKey) error {
	host := normalizeHost(addr)
	known := s.knownKeys(host)
	if len(known) > 0 {
		for _, pinned := range known {
			if KeysEqual(pinned, key) {
				return nil
			}
		}
		log.Warnf("Host key mismatch for %v, rejecting connection.", host)
		return &HostKeyMismatchError{Host: host}
	}
	return s.addKnownHost(host, key)
}

// knownKeys returns the keys pinned for a host. Read or parse failures
// degrade to "no entries": the host will be re-learned, which at worst
// appends a duplicate line.
func (s *HostKeyStore) knownKeys(host string) []ssh.PublicKey {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil
	}
	var keys []ssh.PublicKey
	for {
		_, hosts, publicKey, _, rest, err := ssh.ParseKnownHosts(data)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warnf("Failed to parse %v: %v.", s.Path, err)
			return nil
		}
		for _, h := range hosts {
			if h == host {
				keys = append(keys, publicKey)
				break
			}
		}
		data = rest
	}
	return keys
}

// addKnownHost appends a freshly learned key under a file lock so
// concurrent first contacts do not interleave writes.
func (s *HostKeyStore) addKnownHost(host string, key ssh.PublicKey) error {
	lock := flock.New(s.Path + ".lock")
	if err := lock.Lock(); err != nil {
		return trace.ConvertSystemError(err)
	}
	defer lock.Unlock()

	fp, err := os.OpenFile(s.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer fp.Close()

	// MarshalAuthorizedKey terminates the line.
	if _, err := fmt.Fprintf(fp, "%s %s", host, ssh.MarshalAuthorizedKey(key)); err != nil {
		return trace.ConvertSystemError(err)
	}
	log.Infof("Learned new host key for %v, added to known_hosts.", host)
	return nil
}

// KeysEqual compares two keys by their wire encoding.
func KeysEqual(a, b ssh.PublicKey) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Type() == b.Type() && bytes.Equal(a.Marshal(), b.Marshal())
}

// normalizeHost rewrites a dial address into OpenSSH known_hosts form:
// bare hostname for the default port, [host]:port otherwise.
func normalizeHost(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if port == "22" {
		return host
	}
	return "[" + host + "]:" + port
}

// IsHostKeyMismatch reports whether an error chain contains a host key
// mismatch.
func IsHostKeyMismatch(err error) bool {
	var mismatch *HostKeyMismatchError
	return errors.As(err, &mismatch)
}
