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
	"io"
	"sync"

	"github.com/gravitational/trace"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/gravitational/cloudshell/lib/defaults"
)

// Session is one live SSH or SFTP session. It owns the transport and
// the handles built on it; the registry is the only writer of the
// shared map, individual sessions serialize their own state with a
// private mutex.
type Session struct {
	// ID is the opaque session id handed to clients
	ID string
	// Kind is KindShell or KindSFTP
	Kind string

	client *ssh.Client
	meta   Meta

	mu    sync.Mutex
	term  *ssh.Session
	stdin io.WriteCloser
	// stdout carries the remote output with stderr merged in; the
	// write side is closed when the remote process ends so readers
	// see EOF
	stdout *io.PipeReader
	sftp   *sftp.Client
}

// Meta returns the metadata captured at open.
func (s *Session) Meta() Meta {
	return s.meta
}

// StartPTY requests a remote PTY with the given dimensions and starts
// the login shell. Called by the bridge once the client's initial size
// is known; calling it twice is an error.
func (s *Session) StartPTY(cols, rows int) error {
	if s.Kind != KindShell {
		return trace.BadParameter("session %v is not a shell session", shortID(s.ID))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.term != nil {
		return trace.AlreadyExists("session %v already has a terminal", shortID(s.ID))
	}

	term, err := s.client.NewSession()
	if err != nil {
		return trace.Wrap(err)
	}
	stdin, err := term.StdinPipe()
	if err != nil {
		term.Close()
		return trace.Wrap(err)
	}
	// One pipe for both streams merges stderr into stdout at the SSH
	// layer; the bridge never splits them.
	pr, pw := io.Pipe()
	term.Stdout = pw
	term.Stderr = pw

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := term.RequestPty(defaults.TermType, rows, cols, modes); err != nil {
		term.Close()
		pw.Close()
		return trace.Wrap(err)
	}
	if err := term.Shell(); err != nil {
		term.Close()
		pw.Close()
		return trace.Wrap(err)
	}
	go func() {
		// Wait returns when the remote shell exits; closing the write
		// side unblocks the bridge's outbound reader with EOF.
		term.Wait()
		pw.Close()
	}()

	s.term = term
	s.stdin = stdin
	s.stdout = pr
	return nil
}

// Resize changes the remote PTY dimensions.
func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	term := s.term
	s.mu.Unlock()
	if term == nil {
		return trace.NotFound("session %v has no terminal yet", shortID(s.ID))
	}
	return trace.Wrap(term.WindowChange(rows, cols))
}

// Write sends keystrokes to the remote PTY input.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	stdin := s.stdin
	s.mu.Unlock()
	if stdin == nil {
		return 0, trace.NotFound("session %v has no terminal yet", shortID(s.ID))
	}
	return stdin.Write(p)
}

// Read returns the next chunk of remote output, whatever is available,
// up to len(p). Blocks until output arrives or the remote side ends.
func (s *Session) Read(p []byte) (int, error) {
	s.mu.Lock()
	stdout := s.stdout
	s.mu.Unlock()
	if stdout == nil {
		return 0, trace.NotFound("session %v has no terminal yet", shortID(s.ID))
	}
	return stdout.Read(p)
}

// startSFTP starts the sftp subsystem on the transport.
func (s *Session) startSFTP() error {
	client, err := sftp.NewClient(s.client)
	if err != nil {
		return trace.Wrap(err)
	}
	s.sftp = client
	return nil
}

// teardown closes handles in order: PTY/SFTP client first, transport
// last. Errors are swallowed, the session is already unregistered.
func (s *Session) teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.term != nil {
		s.term.Close()
	}
	if s.stdout != nil {
		s.stdout.Close()
	}
	if s.sftp != nil {
		s.sftp.Close()
	}
	s.client.Close()
}
