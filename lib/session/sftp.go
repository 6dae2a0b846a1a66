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
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/gravitational/trace"
	"github.com/pkg/sftp"
)

// FileEntry is one directory listing row as sent to the browser.
type FileEntry struct {
	// Name is the file name, lossily decoded when not valid UTF-8
	Name string `json:"name"`
	// Path is the full remote path without double slashes
	Path string `json:"path"`
	// Size is the file size in bytes
	Size int64 `json:"size"`
	// IsDir marks directories
	IsDir bool `json:"is_dir"`
	// Permissions is a 4-digit octal string, null when unknown
	Permissions *string `json:"permissions"`
	// Modified is the mtime in unix seconds
	Modified int64 `json:"modified"`
}

// ListDir lists a remote directory. Dot entries are dropped and the
// rest sorted directories first, then case-insensitive by name.
func (s *Session) ListDir(path string) ([]FileEntry, error) {
	client, err := s.sftpClient()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	infos, err := client.ReadDir(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	entries := make([]FileEntry, 0, len(infos))
	for _, info := range infos {
		name := info.Name()
		if name == "." || name == ".." {
			continue
		}
		if !utf8.ValidString(name) {
			name = strings.ToValidUTF8(name, string(utf8.RuneError))
		}
		perms := formatPermissions(info.Mode())
		entries = append(entries, FileEntry{
			Name:        name,
			Path:        JoinRemote(path, name),
			Size:        info.Size(),
			IsDir:       info.IsDir(),
			Permissions: &perms,
			Modified:    info.ModTime().Unix(),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	return entries, nil
}

// ReadFile downloads a whole remote file.
func (s *Session) ReadFile(path string) ([]byte, error) {
	client, err := s.sftpClient()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	file, err := client.Open(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// WriteFile uploads raw bytes to a remote file, replacing an existing
// one.
func (s *Session) WriteFile(path string, data []byte) error {
	client, err := s.sftpClient()
	if err != nil {
		return trace.Wrap(err)
	}
	file, err := client.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return trace.Wrap(err)
	}
	return trace.Wrap(file.Close())
}

// Delete removes a remote file or, when isDir is set, an empty
// directory. No recursion.
func (s *Session) Delete(path string, isDir bool) error {
	client, err := s.sftpClient()
	if err != nil {
		return trace.Wrap(err)
	}
	if isDir {
		return trace.Wrap(client.RemoveDirectory(path))
	}
	return trace.Wrap(client.Remove(path))
}

// Rename moves a remote path.
func (s *Session) Rename(oldPath, newPath string) error {
	client, err := s.sftpClient()
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(client.Rename(oldPath, newPath))
}

// Mkdir creates one remote directory; the parent must exist.
func (s *Session) Mkdir(path string) error {
	client, err := s.sftpClient()
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(client.Mkdir(path))
}

func (s *Session) sftpClient() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Kind != KindSFTP || s.sftp == nil {
		return nil, trace.BadParameter("session %v is not an sftp session", shortID(s.ID))
	}
	return s.sftp, nil
}

// JoinRemote joins a remote directory and a file name without
// introducing double slashes. Remote paths are always /-separated.
func JoinRemote(dir, name string) string {
	if dir == "" {
		return name
	}
	if strings.HasSuffix(dir, "/") {
		return dir + name
	}
	return dir + "/" + name
}

// formatPermissions renders a file mode as the 4-digit octal string
// the frontend displays, e.g. "0644" or "4755".
func formatPermissions(mode os.FileMode) string {
	perm := uint32(mode.Perm())
	if mode&os.ModeSetuid != 0 {
		perm |= 0o4000
	}
	if mode&os.ModeSetgid != 0 {
		perm |= 0o2000
	}
	if mode&os.ModeSticky != 0 {
		perm |= 0o1000
	}
	return fmt.Sprintf("%04o", perm)
}
