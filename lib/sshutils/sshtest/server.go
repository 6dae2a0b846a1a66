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

// Package sshtest runs a minimal in-process SSH server for tests: it
// speaks password and public key auth, answers pty-req/window-change,
// echoes shell input and serves the sftp subsystem against a local
// directory. No test dials the network outside the loopback.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/gravitational/trace"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Config configures the test server.
type Config struct {
	// User is the only accepted login
	User string
	// Password is the accepted password, empty disables password auth
	Password string
	// AuthorizedKey is the accepted public key, nil disables key auth
	AuthorizedKey ssh.PublicKey
	// SFTPRoot enables the sftp subsystem rooted at the process
	// filesystem; tests pass absolute paths inside a temp dir
	SFTPRoot bool
	// HostKey overrides the generated host key
	HostKey ssh.Signer
}

// Server is a running test SSH server.
type Server struct {
	cfg      Config
	listener net.Listener
	hostKey  ssh.Signer

	mu       sync.Mutex
	ptyCols  int
	ptyRows  int
	closedCh chan struct{}
}

// ptyReq is the pty-req payload, RFC 4254 6.2.
type ptyReq struct {
	Term     string
	Cols     uint32
	Rows     uint32
	WidthPx  uint32
	HeightPx uint32
	Modes    string
}

// windowChangeReq is the window-change payload, RFC 4254 6.7.
type windowChangeReq struct {
	Cols     uint32
	Rows     uint32
	WidthPx  uint32
	HeightPx uint32
}

// NewServer starts a server on a random loopback port.
func NewServer(cfg Config) (*Server, error) {
	hostKey := cfg.HostKey
	if hostKey == nil {
		var err error
		hostKey, err = GenerateHostKey()
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	serverConfig := &ssh.ServerConfig{}
	serverConfig.AddHostKey(hostKey)
	if cfg.Password != "" {
		serverConfig.PasswordCallback = func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if meta.User() == cfg.User && string(password) == cfg.Password {
				return nil, nil
			}
			return nil, trace.AccessDenied("wrong password")
		}
	}
	if cfg.AuthorizedKey != nil {
		authorized := cfg.AuthorizedKey.Marshal()
		serverConfig.PublicKeyCallback = func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if meta.User() == cfg.User && string(key.Marshal()) == string(authorized) {
				return nil, nil
			}
			return nil, trace.AccessDenied("unknown key")
		}
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Server{
		cfg:      cfg,
		listener: listener,
		hostKey:  hostKey,
		closedCh: make(chan struct{}),
	}
	go s.acceptLoop(serverConfig)
	return s, nil
}

// GenerateHostKey returns a fresh ed25519 host key signer.
func GenerateHostKey() (ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return signer, nil
}

// Addr returns the listen address as host:port.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Hostname returns the listen host.
func (s *Server) Hostname() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the listen port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// HostKeyPublic returns the server's public host key.
func (s *Server) HostKeyPublic() ssh.PublicKey {
	return s.hostKey.PublicKey()
}

// PTYSize returns the dimensions from the most recent pty-req or
// window-change request.
func (s *Server) PTYSize() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ptyCols, s.ptyRows
}

// Close stops accepting connections.
func (s *Server) Close() error {
	close(s.closedCh)
	return s.listener.Close()
}

func (s *Server) acceptLoop(config *ssh.ServerConfig) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn, config)
	}
}

func (s *Server) handleConn(conn net.Conn, config *ssh.ServerConfig) {
	serverConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		conn.Close()
		return
	}
	defer serverConn.Close()
	go ssh.DiscardRequests(reqs)
	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		channel, channelReqs, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(channel, channelReqs)
	}
}

func (s *Server) handleSession(channel ssh.Channel, reqs <-chan *ssh.Request) {
	defer channel.Close()
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			var r ptyReq
			if err := ssh.Unmarshal(req.Payload, &r); err != nil {
				req.Reply(false, nil)
				continue
			}
			s.setPTYSize(int(r.Cols), int(r.Rows))
			req.Reply(true, nil)
		case "window-change":
			var r windowChangeReq
			if err := ssh.Unmarshal(req.Payload, &r); err == nil {
				s.setPTYSize(int(r.Cols), int(r.Rows))
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "shell":
			req.Reply(true, nil)
			// Echo server: everything written to stdin comes back on
			// stdout, which is all the bridge tests need.
			go func() {
				io.Copy(channel, channel)
				channel.Close()
			}()
		case "subsystem":
			if !s.cfg.SFTPRoot || string(req.Payload[4:]) != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				server, err := sftp.NewServer(channel)
				if err != nil {
					channel.Close()
					return
				}
				server.Serve()
				channel.Close()
			}()
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) setPTYSize(cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ptyCols, s.ptyRows = cols, rows
}
