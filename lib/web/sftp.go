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
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/cloudshell/lib/auth"
	"github.com/gravitational/cloudshell/lib/events"
	"github.com/gravitational/cloudshell/lib/httplib"
	"github.com/gravitational/cloudshell/lib/session"
)

// maxUploadMemory bounds the in-memory part of multipart parsing;
// larger uploads spill to temp files.
const maxUploadMemory = 32 << 20

// sftpDispatch routes everything under /api/sftp/. The subtree cannot
// live in the httprouter tree directly: "session" is a static segment
// where every other route has a session-id wildcard.
//
//	POST   session/:device_id   open a session
//	DELETE session/:session_id  close a session
//	GET    :session_id/{list,download}
//	POST   :session_id/{upload,delete,rename,mkdir}
func (h *Handler) sftpDispatch(w http.ResponseWriter, r *http.Request, p httprouter.Params, claims *auth.Claims) (interface{}, error) {
	parts := strings.Split(strings.Trim(p.ByName("path"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, trace.NotFound("no such endpoint")
	}

	if parts[0] == "session" {
		params := httprouter.Params{{Key: "device_id", Value: parts[1]}, {Key: "session_id", Value: parts[1]}}
		switch r.Method {
		case http.MethodPost:
			return h.createSFTPSession(w, r, params, claims)
		case http.MethodDelete:
			return h.closeSFTPSession(w, r, params, claims)
		}
		return nil, trace.NotFound("no such endpoint")
	}

	params := httprouter.Params{{Key: "session_id", Value: parts[0]}}
	switch r.Method + " " + parts[1] {
	case "GET list":
		return h.sftpList(w, r, params, claims)
	case "GET download":
		return h.sftpDownload(w, r, params, claims)
	case "POST upload":
		return h.sftpUpload(w, r, params, claims)
	case "POST delete":
		return h.sftpDelete(w, r, params, claims)
	case "POST rename":
		return h.sftpRename(w, r, params, claims)
	case "POST mkdir":
		return h.sftpMkdir(w, r, params, claims)
	}
	return nil, trace.NotFound("no such endpoint")
}

// createSFTPSession dials the device, starts the sftp subsystem and
// registers the session.
func (h *Handler) createSFTPSession(w http.ResponseWriter, r *http.Request, p httprouter.Params, claims *auth.Claims) (interface{}, error) {
	device, credential, err := h.openDevice(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer credential.Cleanup()

	id, err := h.cfg.Registry.OpenSFTP(r.Context(), session.OpenParams{
		Hostname:    device.Hostname,
		Port:        device.Port,
		Username:    device.Username,
		Credential:  credential,
		DeviceLabel: deviceLabel(device),
		Principal:   claims.Username,
		SourceIP:    events.ClientIP(r),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.cfg.AuditLog.Emit(r.Context(), events.Event{
		Username: claims.Username,
		Action:   events.ActionSessionStarted,
		SourceIP: events.ClientIP(r),
		Detail:   fmt.Sprintf("Started SFTP session with %v", deviceLabel(device)),
	})
	return map[string]string{"session_id": id}, nil
}

// closeSFTPSession tears the session down. Metadata is read before the
// close so the audit entry stays attributable; closing an unknown or
// already-closed id is a no-op that still replies 204.
func (h *Handler) closeSFTPSession(w http.ResponseWriter, r *http.Request, p httprouter.Params, claims *auth.Claims) (interface{}, error) {
	id := p.ByName("session_id")
	meta, ok := h.cfg.Registry.Meta(id)
	h.cfg.Registry.Close(id)
	if ok {
		h.cfg.AuditLog.Emit(r.Context(), events.Event{
			Username: claims.Username,
			Action:   events.ActionSessionEnded,
			SourceIP: events.ClientIP(r),
			Detail:   fmt.Sprintf("Ended SFTP session with %v", meta.DeviceLabel),
		})
	}
	w.WriteHeader(http.StatusNoContent)
	return nil, nil
}

// sftpSession resolves the path parameter to a live SFTP session.
func (h *Handler) sftpSession(p httprouter.Params) (*session.Session, error) {
	sess, err := h.cfg.Registry.Get(p.ByName("session_id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return sess, nil
}

// sftpList lists a remote directory, directories first.
func (h *Handler) sftpList(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ *auth.Claims) (interface{}, error) {
	sess, err := h.sftpSession(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	dir := r.URL.Query().Get("path")
	if dir == "" {
		dir = "/"
	}
	entries, err := sess.ListDir(dir)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"path":    dir,
		"entries": entries,
	}, nil
}

// sftpDownload streams a remote file as an attachment.
func (h *Handler) sftpDownload(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ *auth.Claims) (interface{}, error) {
	sess, err := h.sftpSession(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	remotePath := r.URL.Query().Get("path")
	if remotePath == "" {
		return nil, trace.BadParameter("missing query parameter path")
	}
	data, err := sess.ReadFile(remotePath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", path.Base(remotePath)))
	w.Write(data)
	return nil, nil
}

// sftpUpload writes a multipart file into the remote directory given
// by the path query parameter; the filename comes from the part.
func (h *Handler) sftpUpload(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ *auth.Claims) (interface{}, error) {
	sess, err := h.sftpSession(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	dir := r.URL.Query().Get("path")
	if dir == "" {
		return nil, trace.BadParameter("missing query parameter path")
	}
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		return nil, trace.BadParameter("invalid multipart form: %v", err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, trace.BadParameter("missing form file %q", "file")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	remotePath := session.JoinRemote(dir, path.Base(header.Filename))
	if err := sess.WriteFile(remotePath, data); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"uploaded": remotePath,
		"size":     len(data),
	}, nil
}

type sftpDeleteRequest struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
}

// sftpDelete removes a remote file or directory.
func (h *Handler) sftpDelete(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ *auth.Claims) (interface{}, error) {
	sess, err := h.sftpSession(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req sftpDeleteRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Path == "" {
		return nil, trace.BadParameter("missing parameter path")
	}
	if err := sess.Delete(req.Path, req.IsDir); err != nil {
		return nil, trace.Wrap(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil, nil
}

type sftpRenameRequest struct {
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
}

// sftpRename moves a remote file or directory.
func (h *Handler) sftpRename(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ *auth.Claims) (interface{}, error) {
	sess, err := h.sftpSession(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req sftpRenameRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.OldPath == "" || req.NewPath == "" {
		return nil, trace.BadParameter("old_path and new_path are required")
	}
	if err := sess.Rename(req.OldPath, req.NewPath); err != nil {
		return nil, trace.Wrap(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil, nil
}

type sftpMkdirRequest struct {
	Path string `json:"path"`
}

// sftpMkdir creates one remote directory; the parent must exist.
func (h *Handler) sftpMkdir(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ *auth.Claims) (interface{}, error) {
	sess, err := h.sftpSession(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req sftpMkdirRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Path == "" {
		return nil, trace.BadParameter("missing parameter path")
	}
	if err := sess.Mkdir(req.Path); err != nil {
		return nil, trace.Wrap(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil, nil
}
