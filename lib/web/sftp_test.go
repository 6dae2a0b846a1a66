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

package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/cloudshell/lib/session"
	"github.com/gravitational/cloudshell/lib/storage"
)

// createSFTP opens an SFTP session over the API and returns its id.
func (e *env) createSFTP(t *testing.T) string {
	deviceID := e.createDevice(t, storage.ConnectionTypeSFTP)
	resp := e.do(t, http.MethodPost, fmt.Sprintf("/api/sftp/session/%v", deviceID), nil)
	var out map[string]string
	decodeJSON(t, resp, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, out["session_id"])
	return out["session_id"]
}

func TestSFTPListDownload(t *testing.T) {
	e := newEnv(t)
	id := e.createSFTP(t)
	root := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("payload"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))

	resp := e.do(t, http.MethodGet,
		fmt.Sprintf("/api/sftp/%v/list?path=%v", id, url.QueryEscape(root)), nil)
	var listing struct {
		Path    string              `json:"path"`
		Entries []session.FileEntry `json:"entries"`
	}
	decodeJSON(t, resp, &listing)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, root, listing.Path)
	require.Len(t, listing.Entries, 2)
	require.Equal(t, "sub", listing.Entries[0].Name)
	require.True(t, listing.Entries[0].IsDir)
	require.Equal(t, "hello.txt", listing.Entries[1].Name)

	resp = e.do(t, http.MethodGet,
		fmt.Sprintf("/api/sftp/%v/download?path=%v", id,
			url.QueryEscape(filepath.Join(root, "hello.txt"))), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	require.Contains(t, resp.Header.Get("Content-Disposition"), `attachment; filename="hello.txt"`)
	require.Equal(t, "payload", string(readBody(t, resp)))

	// A missing remote file is a generic failure; 404 is reserved for
	// unknown session ids.
	resp = e.do(t, http.MethodGet,
		fmt.Sprintf("/api/sftp/%v/download?path=%v", id,
			url.QueryEscape(filepath.Join(root, "absent.txt"))), nil)
	resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestSFTPUpload(t *testing.T) {
	e := newEnv(t)
	id := e.createSFTP(t)
	root := t.TempDir()

	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	part, err := writer.CreateFormFile("file", "upload.bin")
	require.NoError(t, err)
	_, err = part.Write([]byte("uploaded-content"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req, err := http.NewRequest(http.MethodPost,
		e.web.URL+fmt.Sprintf("/api/sftp/%v/upload?path=%v", id, url.QueryEscape(root)), &form)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.token)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	var out struct {
		Uploaded string `json:"uploaded"`
		Size     int    `json:"size"`
	}
	decodeJSON(t, resp, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, filepath.Join(root, "upload.bin"), out.Uploaded)
	require.Equal(t, len("uploaded-content"), out.Size)

	data, err := os.ReadFile(filepath.Join(root, "upload.bin"))
	require.NoError(t, err)
	require.Equal(t, "uploaded-content", string(data))
}

func TestSFTPMutations(t *testing.T) {
	e := newEnv(t)
	id := e.createSFTP(t)
	root := t.TempDir()

	resp := e.do(t, http.MethodPost, fmt.Sprintf("/api/sftp/%v/mkdir", id),
		sftpMkdirRequest{Path: filepath.Join(root, "created")})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	info, err := os.Stat(filepath.Join(root, "created"))
	require.NoError(t, err)
	require.True(t, info.IsDir())

	require.NoError(t, os.WriteFile(filepath.Join(root, "old.txt"), []byte("x"), 0o644))
	resp = e.do(t, http.MethodPost, fmt.Sprintf("/api/sftp/%v/rename", id), sftpRenameRequest{
		OldPath: filepath.Join(root, "old.txt"),
		NewPath: filepath.Join(root, "new.txt"),
	})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, err = os.Stat(filepath.Join(root, "new.txt"))
	require.NoError(t, err)

	resp = e.do(t, http.MethodPost, fmt.Sprintf("/api/sftp/%v/delete", id),
		sftpDeleteRequest{Path: filepath.Join(root, "new.txt")})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, err = os.Stat(filepath.Join(root, "new.txt"))
	require.True(t, os.IsNotExist(err))

	resp = e.do(t, http.MethodPost, fmt.Sprintf("/api/sftp/%v/delete", id),
		sftpDeleteRequest{Path: filepath.Join(root, "created"), IsDir: true})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestSFTPSessionLifecycle(t *testing.T) {
	e := newEnv(t)
	id := e.createSFTP(t)
	require.Equal(t, 1, e.registry.Len())

	resp := e.do(t, http.MethodDelete, "/api/sftp/session/"+id, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, 0, e.registry.Len())

	// Closing twice is a no-op that still succeeds; operating on a
	// closed session is a 404.
	resp = e.do(t, http.MethodDelete, "/api/sftp/session/"+id, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = e.do(t, http.MethodDelete, "/api/sftp/session/never-existed", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = e.do(t, http.MethodGet, fmt.Sprintf("/api/sftp/%v/list?path=/", id), nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSFTPRouting(t *testing.T) {
	// Everything below /api/sftp/ goes through one dispatcher, so the
	// whole surface has to resolve, and anything off it has to 404.
	e := newEnv(t)
	id := e.createSFTP(t)

	for _, tt := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/sftp/" + id + "/chmod"},
		{http.MethodGet, "/api/sftp/list"},
		{http.MethodGet, "/api/sftp/" + id + "/list/extra"},
		{http.MethodGet, "/api/sftp/session/" + id},
		{http.MethodPost, "/api/sftp/" + id + "/download"},
		{http.MethodDelete, "/api/sftp/" + id + "/list"},
	} {
		resp := e.do(t, tt.method, tt.path, nil)
		resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode, "%v %v", tt.method, tt.path)
	}

	// A recognized operation on the same dispatcher still works.
	resp := e.do(t, http.MethodGet, fmt.Sprintf("/api/sftp/%v/list?path=%v", id, url.QueryEscape(t.TempDir())), nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSFTPSessionAudited(t *testing.T) {
	e := newEnv(t)
	id := e.createSFTP(t)
	resp := e.do(t, http.MethodDelete, "/api/sftp/session/"+id, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/audit/logs", nil)
	var page struct {
		Logs []auditEntry `json:"logs"`
	}
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw := readBody(t, resp)
	require.NoError(t, json.Unmarshal(raw, &page))

	var actions []string
	for _, entry := range page.Logs {
		actions = append(actions, entry.Action)
	}
	require.Contains(t, actions, "SESSION_STARTED")
	require.Contains(t, actions, "SESSION_ENDED")
}
