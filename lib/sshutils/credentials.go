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
	"os"
	"path/filepath"
	"sync"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"

	"github.com/gravitational/cloudshell/lib/secret"
	"github.com/gravitational/cloudshell/lib/storage"
)

// ResolvedCredential is a device credential in dialable form. For key
// devices the decrypted PEM sits in a private temp file whose lifetime
// is bounded by the dial: callers must defer Cleanup before dialing so
// the file is unlinked on every exit path.
type ResolvedCredential struct {
	// AuthType is the device's auth type, password or key
	AuthType string
	// Password is the decrypted password for password devices
	Password string
	// KeyPath points at the ephemeral PEM file for key devices
	KeyPath string

	cleanupOnce sync.Once
	cleanupDir  string
}

// Materialize resolves a device's stored credential through the vault.
// Passwords are decrypted in memory; keys are decrypted into a fresh
// 0600 file inside a 0700 temp directory that Cleanup removes.
func Materialize(device *storage.Device, vault *secret.Vault) (*ResolvedCredential, error) {
	switch device.AuthType {
	case storage.AuthTypePassword:
		if device.EncryptedPassword == "" {
			return nil, trace.BadParameter("device %v has no stored password", device.ID)
		}
		password, err := vault.Open(device.EncryptedPassword)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &ResolvedCredential{
			AuthType: storage.AuthTypePassword,
			Password: string(password),
		}, nil
	case storage.AuthTypeKey:
		if device.KeyFilename == "" {
			return nil, trace.BadParameter("device %v has no stored key", device.ID)
		}
		pem, err := vault.LoadKey(device.KeyFilename)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		// MkdirTemp creates the directory 0700, keeping the decrypted
		// key invisible to other users for the short time it exists.
		dir, err := os.MkdirTemp("", "cloudshell-key-")
		if err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		keyPath := filepath.Join(dir, "id_key.pem")
		if err := os.WriteFile(keyPath, pem, 0o600); err != nil {
			os.RemoveAll(dir)
			return nil, trace.ConvertSystemError(err)
		}
		return &ResolvedCredential{
			AuthType:   storage.AuthTypeKey,
			KeyPath:    keyPath,
			cleanupDir: dir,
		}, nil
	default:
		return nil, trace.BadParameter("unsupported auth type %q", device.AuthType)
	}
}

// Cleanup removes the ephemeral key file and its directory. Safe to
// call more than once and on password credentials.
func (c *ResolvedCredential) Cleanup() {
	c.cleanupOnce.Do(func() {
		if c.cleanupDir == "" {
			return
		}
		if err := os.RemoveAll(c.cleanupDir); err != nil {
			log.Warnf("Failed to remove ephemeral key directory: %v.", err)
		}
	})
}

// AuthMethod turns the resolved credential into an ssh auth method.
// For key credentials this reads and parses the ephemeral file, so it
// must run before Cleanup.
func (c *ResolvedCredential) AuthMethod() (ssh.AuthMethod, error) {
	switch c.AuthType {
	case storage.AuthTypePassword:
		return ssh.Password(c.Password), nil
	case storage.AuthTypeKey:
		pem, err := os.ReadFile(c.KeyPath)
		if err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, trace.BadParameter("stored private key is not parseable: %v", err)
		}
		return ssh.PublicKeys(signer), nil
	default:
		return nil, trace.BadParameter("unsupported auth type %q", c.AuthType)
	}
}
