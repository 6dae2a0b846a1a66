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

package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

// openSFTP opens an sftp session against the test server, whose sftp
// subsystem serves the local filesystem; tests work inside a temp dir.
func openSFTP(t *testing.T, env *testEnv) *Session {
	id, err := env.registry.OpenSFTP(context.Background(), env.openParams())
	require.NoError(t, err)
	sess, err := env.registry.Get(id)
	require.NoError(t, err)
	return sess
}

func TestListDirOrdering(t *testing.T) {
	env := newTestEnv(t)
	sess := openSFTP(t, env)

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "zoo.txt"), []byte("z"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "beta.txt"), []byte("b"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "alpha"), 0o755))

	entries, err := sess.ListDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Directories first, then case-insensitive by name; dot entries
	// are gone.
	require.Equal(t, "alpha", entries[0].Name)
	require.True(t, entries[0].IsDir)
	require.Equal(t, "beta.txt", entries[1].Name)
	require.Equal(t, "zoo.txt", entries[2].Name)

	for _, entry := range entries {
		require.Equal(t, filepath.Join(root, entry.Name), entry.Path)
		require.NotNil(t, entry.Permissions)
		require.Len(t, *entry.Permissions, 4)
		require.NotZero(t, entry.Modified)
	}
	require.Equal(t, int64(1), entries[1].Size)
	require.Equal(t, "0644", *entries[1].Permissions)
}

func TestListDirCaseInsensitiveSort(t *testing.T) {
	env := newTestEnv(t)
	sess := openSFTP(t, env)

	root := t.TempDir()
	for _, name := range []string{"Bravo", "alpha", "Charlie", "delta"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), nil, 0o644))
	}

	entries, err := sess.ListDir(root)
	require.NoError(t, err)
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name)
	}
	require.Equal(t, []string{"alpha", "Bravo", "Charlie", "delta"}, names)
}

func TestReadWriteFile(t *testing.T) {
	env := newTestEnv(t)
	sess := openSFTP(t, env)
	root := t.TempDir()
	path := filepath.Join(root, "notes.txt")

	require.NoError(t, sess.WriteFile(path, []byte("first version")))
	data, err := sess.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "first version", string(data))

	// Overwrite, including truncation of the longer original.
	require.NoError(t, sess.WriteFile(path, []byte("v2")))
	data, err = sess.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "v2", string(data))

	_, err = sess.ReadFile(filepath.Join(root, "missing.txt"))
	require.Error(t, err)
}

func TestRenameDeleteMkdir(t *testing.T) {
	env := newTestEnv(t)
	sess := openSFTP(t, env)
	root := t.TempDir()

	require.NoError(t, sess.Mkdir(filepath.Join(root, "subdir")))
	info, err := os.Stat(filepath.Join(root, "subdir"))
	require.NoError(t, err)
	require.True(t, info.IsDir())

	// Parent must exist, no -p behavior.
	require.Error(t, sess.Mkdir(filepath.Join(root, "a", "b")))

	require.NoError(t, sess.WriteFile(filepath.Join(root, "old.txt"), []byte("x")))
	require.NoError(t, sess.Rename(filepath.Join(root, "old.txt"), filepath.Join(root, "new.txt")))
	_, err = os.Stat(filepath.Join(root, "old.txt"))
	require.True(t, os.IsNotExist(err))

	// is_dir picks the right primitive: rmdir refuses a file and
	// unlink refuses a directory.
	require.Error(t, sess.Delete(filepath.Join(root, "new.txt"), true))
	require.NoError(t, sess.Delete(filepath.Join(root, "new.txt"), false))
	require.NoError(t, sess.Delete(filepath.Join(root, "subdir"), true))
	_, err = os.Stat(filepath.Join(root, "subdir"))
	require.True(t, os.IsNotExist(err))
}

func TestSFTPOpsRejectShellSession(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.registry.OpenShell(context.Background(), env.openParams())
	require.NoError(t, err)
	sess, err := env.registry.Get(id)
	require.NoError(t, err)

	_, err = sess.ListDir("/")
	require.True(t, trace.IsBadParameter(err))
}

func TestJoinRemote(t *testing.T) {
	tests := []struct {
		dir  string
		name string
		want string
	}{
		{"/", "file", "/file"},
		{"/home/user", "file", "/home/user/file"},
		{"/home/user/", "file", "/home/user/file"},
		{"", "file", "file"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, JoinRemote(tt.dir, tt.name), "dir %q", tt.dir)
	}
}
