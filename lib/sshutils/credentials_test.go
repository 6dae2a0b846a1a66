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
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/cloudshell/lib/secret"
	"github.com/gravitational/cloudshell/lib/storage"
)

func newTestVault(t *testing.T) *secret.Vault {
	vault, err := secret.NewVault(secret.VaultConfig{
		Passphrase: "test-passphrase",
		KeysDir:    t.TempDir(),
	})
	require.NoError(t, err)
	return vault
}

func TestMaterializePassword(t *testing.T) {
	vault := newTestVault(t)
	sealed, err := vault.Seal([]byte("hunter2"))
	require.NoError(t, err)

	cred, err := Materialize(&storage.Device{
		ID:                1,
		AuthType:          storage.AuthTypePassword,
		EncryptedPassword: sealed,
	}, vault)
	require.NoError(t, err)
	defer cred.Cleanup()

	require.Equal(t, "hunter2", cred.Password)
	require.Empty(t, cred.KeyPath)

	_, err = cred.AuthMethod()
	require.NoError(t, err)
}

func TestMaterializeKey(t *testing.T) {
	vault := newTestVault(t)
	priv, _, err := secret.GenerateKeyPair()
	require.NoError(t, err)

	filename, err := vault.SaveKey(7, priv)
	require.NoError(t, err)

	cred, err := Materialize(&storage.Device{
		ID:          7,
		AuthType:    storage.AuthTypeKey,
		KeyFilename: filename,
	}, vault)
	require.NoError(t, err)

	// The ephemeral file holds the decrypted PEM, owner-only.
	info, err := os.Stat(cred.KeyPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	pem, err := os.ReadFile(cred.KeyPath)
	require.NoError(t, err)
	require.Equal(t, priv, pem)

	// And its directory keeps everyone else out.
	dirInfo, err := os.Stat(cred.cleanupDir)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm())

	_, err = cred.AuthMethod()
	require.NoError(t, err)

	// Cleanup unlinks file and directory and stays safe to repeat.
	cred.Cleanup()
	_, err = os.Stat(cred.KeyPath)
	require.True(t, os.IsNotExist(err))
	cred.Cleanup()
}

func TestMaterializeMissingKeyFile(t *testing.T) {
	vault := newTestVault(t)

	_, err := Materialize(&storage.Device{
		ID:          9,
		AuthType:    storage.AuthTypeKey,
		KeyFilename: "device_9.enc",
	}, vault)
	require.True(t, trace.IsNotFound(err))
}

func TestMaterializeRejectsInconsistentDevice(t *testing.T) {
	vault := newTestVault(t)

	_, err := Materialize(&storage.Device{ID: 3, AuthType: storage.AuthTypePassword}, vault)
	require.True(t, trace.IsBadParameter(err))

	_, err = Materialize(&storage.Device{ID: 3, AuthType: storage.AuthTypeKey}, vault)
	require.True(t, trace.IsBadParameter(err))

	_, err = Materialize(&storage.Device{ID: 3, AuthType: "agent"}, vault)
	require.True(t, trace.IsBadParameter(err))
}
