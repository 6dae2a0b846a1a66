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
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/cloudshell/lib/sshutils"
	"github.com/gravitational/cloudshell/lib/sshutils/sshtest"
	"github.com/gravitational/cloudshell/lib/storage"
	"github.com/gravitational/cloudshell/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

type testEnv struct {
	server   *sshtest.Server
	registry *Registry
}

func newTestEnv(t *testing.T) *testEnv {
	server, err := sshtest.NewServer(sshtest.Config{
		User:     "testuser",
		Password: "testpass",
		SFTPRoot: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })

	registry, err := NewRegistry(RegistryConfig{
		HostKeys: sshutils.NewHostKeyStore(filepath.Join(t.TempDir(), "known_hosts")),
	})
	require.NoError(t, err)
	t.Cleanup(registry.CloseAll)

	return &testEnv{server: server, registry: registry}
}

func (e *testEnv) openParams() OpenParams {
	return OpenParams{
		Hostname: e.server.Hostname(),
		Port:     e.server.Port(),
		Username: "testuser",
		Credential: &sshutils.ResolvedCredential{
			AuthType: storage.AuthTypePassword,
			Password: "testpass",
		},
		DeviceLabel: "test-box (127.0.0.1)",
		Principal:   "admin",
		SourceIP:    "192.0.2.1",
	}
}

func TestOpenShellAndMeta(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.registry.OpenShell(ctx, env.openParams())
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, 1, env.registry.Len())

	meta, ok := env.registry.Meta(id)
	require.True(t, ok)
	require.Equal(t, "test-box (127.0.0.1)", meta.DeviceLabel)
	require.Equal(t, "admin", meta.Principal)
	require.Equal(t, "192.0.2.1", meta.SourceIP)

	// No PTY yet: it waits for the bridge's initial resize.
	sess, err := env.registry.Get(id)
	require.NoError(t, err)
	require.Error(t, sess.Resize(80, 24))

	env.registry.Close(id)
	require.Equal(t, 0, env.registry.Len())
	_, ok = env.registry.Meta(id)
	require.False(t, ok)
}

func TestCloseUnknownIsNoop(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Close("no-such-session")

	_, err := env.registry.Get("no-such-session")
	require.True(t, trace.IsNotFound(err))

	meta, ok := env.registry.Meta("no-such-session")
	require.False(t, ok)
	require.Equal(t, Meta{}, meta)
}

func TestOpenShellBadCredentials(t *testing.T) {
	env := newTestEnv(t)
	params := env.openParams()
	params.Credential = &sshutils.ResolvedCredential{
		AuthType: storage.AuthTypePassword,
		Password: "wrong",
	}

	_, err := env.registry.OpenShell(context.Background(), params)
	require.ErrorIs(t, err, sshutils.ErrAuthFailed)
	require.Equal(t, 0, env.registry.Len())
}

func TestShellPTYLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.registry.OpenShell(ctx, env.openParams())
	require.NoError(t, err)
	sess, err := env.registry.Get(id)
	require.NoError(t, err)

	require.NoError(t, sess.StartPTY(120, 40))
	cols, rows := env.server.PTYSize()
	require.Equal(t, 120, cols)
	require.Equal(t, 40, rows)

	// Starting twice is refused.
	err = sess.StartPTY(80, 24)
	require.True(t, trace.IsAlreadyExists(err))

	// The echo shell sends our keystrokes back.
	_, err = sess.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 4096)
	n, err := sess.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))

	require.NoError(t, sess.Resize(100, 30))
	require.Eventually(t, func() bool {
		cols, rows := env.server.PTYSize()
		return cols == 100 && rows == 30
	}, 2*time.Second, 10*time.Millisecond)

	env.registry.Close(id)

	// After teardown the output stream reports EOF or a closed pipe,
	// never data.
	_, err = sess.Read(buf)
	require.Error(t, err)
}

func TestCloseAll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := env.registry.OpenShell(ctx, env.openParams())
		require.NoError(t, err)
	}
	require.Equal(t, 3, env.registry.Len())

	env.registry.CloseAll()
	require.Equal(t, 0, env.registry.Len())
}
