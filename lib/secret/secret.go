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

// Package secret keeps device credentials encrypted at rest.
//
// Passwords and uploaded private keys are sealed with AES-256-GCM under a
// key stretched from the configured passphrase. The sealed wire format is
//
//	base64( 12-byte nonce || ciphertext || 16-byte GCM tag )
//
// so a sealed blob is a printable string that can be stored in a text
// column or written to a file as-is.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"

	"github.com/gravitational/cloudshell"
)

var log = logrus.WithFields(logrus.Fields{
	cloudshell.ComponentKey: cloudshell.ComponentVault,
})

const (
	// staticSalt keeps key derivation deterministic; the effective key
	// rotates with the passphrase
	staticSalt = "cloudshell-static-salt-v1"

	// kdfIterations is the PBKDF2-HMAC-SHA256 round count
	kdfIterations = 260000

	// keyLength is the AES-256 key size
	keyLength = 32

	// nonceLength is the GCM nonce size used in the wire format
	nonceLength = 12
)

var (
	// ErrDecodeFailed is returned when a sealed blob is not valid
	// base64 or is shorter than a nonce. Callers treat it as bad
	// input, not as a key problem.
	ErrDecodeFailed = trace.BadParameter("sealed secret is malformed")

	// ErrTampered is returned when a sealed blob fails authentication:
	// the stored data or the passphrase changed since sealing.
	ErrTampered = errors.New("sealed secret failed integrity check")
)

// Key is a symmetric key used to seal and open secrets.
type Key []byte

// NewKey returns a fresh random key. Used by tests that do not care
// about passphrase derivation.
func NewKey() (Key, error) {
	key := make([]byte, keyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, trace.Wrap(err)
	}
	return key, nil
}

// DeriveKey stretches a passphrase into a Key with PBKDF2-HMAC-SHA256.
// It is deliberately slow; derive once and reuse.
func DeriveKey(passphrase string) Key {
	key := pbkdf2.Key([]byte(passphrase), []byte(staticSalt), kdfIterations, keyLength, sha256.New)
	log.Debug("Encryption key derived.")
	return key
}

// Seal encrypts plaintext under the key with a fresh nonce and returns
// the printable wire form.
func (k Key) Seal(plaintext []byte) (string, error) {
	aead, err := newGCM(k)
	if err != nil {
		return "", trace.Wrap(err)
	}
	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return "", trace.Wrap(err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open authenticates and decrypts a blob produced by Seal. Malformed
// input fails with ErrDecodeFailed, authentication failure with
// ErrTampered; the two must stay distinguishable because only the
// former is the caller's fault.
func (k Key) Open(blob string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(blob))
	if err != nil {
		return nil, trace.Wrap(ErrDecodeFailed)
	}
	if len(raw) < nonceLength {
		return nil, trace.Wrap(ErrDecodeFailed)
	}
	aead, err := newGCM(k)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	plaintext, err := aead.Open(nil, raw[:nonceLength], raw[nonceLength:], nil)
	if err != nil {
		return nil, trace.Wrap(ErrTampered)
	}
	return plaintext, nil
}

func newGCM(key Key) (cipher.AEAD, error) {
	if len(key) != keyLength {
		return nil, trace.BadParameter("expected a %d byte key, got %d bytes", keyLength, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return aead, nil
}

// VaultConfig configures a Vault.
type VaultConfig struct {
	// Passphrase is the secret the sealing key is derived from
	Passphrase string
	// KeysDir is where encrypted private keys are written; empty
	// disables key files but leaves Seal/Open working
	KeysDir string
}

// CheckAndSetDefaults validates the config.
func (c *VaultConfig) CheckAndSetDefaults() error {
	if c.Passphrase == "" {
		return trace.BadParameter("missing parameter Passphrase")
	}
	return nil
}

// Vault seals and opens secrets and owns the encrypted key files on
// disk.
type Vault struct {
	key     Key
	keysDir string
}

// NewVault derives the sealing key and returns a ready Vault. Derivation
// runs once here, never per call.
func NewVault(cfg VaultConfig) (*Vault, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Vault{
		key:     DeriveKey(cfg.Passphrase),
		keysDir: cfg.KeysDir,
	}, nil
}

// Seal encrypts plaintext into the printable wire form.
func (v *Vault) Seal(plaintext []byte) (string, error) {
	return v.key.Seal(plaintext)
}

// Open decrypts a blob produced by Seal.
func (v *Vault) Open(blob string) ([]byte, error) {
	return v.key.Open(blob)
}

// SaveKey seals a private key and writes it to the keys directory under
// a name derived from the device id. Returns the file name, not the
// path; the name is what gets persisted with the device row.
func (v *Vault) SaveKey(deviceID int64, pem []byte) (string, error) {
	if v.keysDir == "" {
		return "", trace.BadParameter("key storage is disabled, set DATA_DIR to enable it")
	}
	if err := os.MkdirAll(v.keysDir, 0o700); err != nil {
		return "", trace.ConvertSystemError(err)
	}
	sealed, err := v.Seal(pem)
	if err != nil {
		return "", trace.Wrap(err)
	}
	filename := fmt.Sprintf("device_%d.enc", deviceID)
	path := filepath.Join(v.keysDir, filename)
	if err := os.WriteFile(path, []byte(sealed), 0o600); err != nil {
		return "", trace.ConvertSystemError(err)
	}
	log.Infof("Encrypted key saved: %v.", path)
	return filename, nil
}

// LoadKey reads an encrypted key file and returns the decrypted PEM.
func (v *Vault) LoadKey(filename string) ([]byte, error) {
	if v.keysDir == "" {
		return nil, trace.BadParameter("key storage is disabled, set DATA_DIR to enable it")
	}
	blob, err := os.ReadFile(filepath.Join(v.keysDir, filepath.Base(filename)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("key file %q not found", filename)
		}
		return nil, trace.ConvertSystemError(err)
	}
	pem, err := v.Open(string(blob))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return pem, nil
}

// DeleteKey removes a key file, ignoring files already gone.
func (v *Vault) DeleteKey(filename string) error {
	if v.keysDir == "" || filename == "" {
		return nil
	}
	path := filepath.Join(v.keysDir, filepath.Base(filename))
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return trace.ConvertSystemError(err)
	}
	log.Infof("Deleted key file: %v.", path)
	return nil
}
