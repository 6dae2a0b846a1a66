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
	"net/http"
	"time"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/cloudshell/lib/auth"
	"github.com/gravitational/cloudshell/lib/defaults"
	"github.com/gravitational/cloudshell/lib/httplib"
	"github.com/gravitational/cloudshell/lib/storage"
)

// deviceRequest is the create/update body. The password or private key
// arrives in clear over the operator's TLS connection and is sealed
// before it touches the database or disk.
type deviceRequest struct {
	Name           string `json:"name"`
	Hostname       string `json:"hostname"`
	Port           int    `json:"port"`
	Username       string `json:"username"`
	AuthType       string `json:"auth_type"`
	ConnectionType string `json:"connection_type"`
	Password       string `json:"password,omitempty"`
	PrivateKey     string `json:"private_key,omitempty"`
}

// deviceResponse is a catalog row with all secret material masked.
type deviceResponse struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Hostname       string `json:"hostname"`
	Port           int    `json:"port"`
	Username       string `json:"username"`
	AuthType       string `json:"auth_type"`
	ConnectionType string `json:"connection_type"`
	HasKey         bool   `json:"has_key"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

func newDeviceResponse(d *storage.Device) *deviceResponse {
	return &deviceResponse{
		ID:             d.ID,
		Name:           d.Name,
		Hostname:       d.Hostname,
		Port:           d.Port,
		Username:       d.Username,
		AuthType:       d.AuthType,
		ConnectionType: d.ConnectionType,
		HasKey:         d.KeyFilename != "",
		CreatedAt:      d.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      d.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// listDevices returns the whole catalog, secrets masked.
func (h *Handler) listDevices(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ *auth.Claims) (interface{}, error) {
	devices, err := h.cfg.Storage.ListDevices(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]*deviceResponse, 0, len(devices))
	for i := range devices {
		out = append(out, newDeviceResponse(&devices[i]))
	}
	return out, nil
}

// getDevice returns one device, secrets masked.
func (h *Handler) getDevice(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ *auth.Claims) (interface{}, error) {
	id, err := paramInt64(p, "device_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	device, err := h.cfg.Storage.GetDevice(r.Context(), id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return newDeviceResponse(device), nil
}

// createDevice registers a device. A password is sealed into the row; a
// private key is written to the vault under the assigned device id.
func (h *Handler) createDevice(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ *auth.Claims) (interface{}, error) {
	var req deviceRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	device, err := h.deviceFromRequest(&req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if device.AuthType == storage.AuthTypeKey && req.PrivateKey == "" {
		return nil, trace.BadParameter("key auth requires a private key")
	}

	created, err := h.cfg.Storage.CreateDevice(r.Context(), *device)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if device.AuthType == storage.AuthTypeKey {
		filename, err := h.cfg.Vault.SaveKey(created.ID, []byte(req.PrivateKey))
		if err != nil {
			// Roll the half-created row back so the catalog never holds
			// a key device without a key.
			if derr := h.cfg.Storage.DeleteDevice(r.Context(), created.ID); derr != nil {
				h.log.Warnf("Failed to roll back device %v: %v.", created.ID, derr)
			}
			return nil, trace.Wrap(err)
		}
		if err := h.cfg.Storage.SetDeviceKeyFile(r.Context(), created.ID, filename); err != nil {
			return nil, trace.Wrap(err)
		}
		created.KeyFilename = filename
	}

	roundtrip.ReplyJSON(w, http.StatusCreated, newDeviceResponse(created))
	return nil, nil
}

// updateDevice overwrites a device. Omitting the password or key keeps
// the stored credential; providing one replaces it.
func (h *Handler) updateDevice(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ *auth.Claims) (interface{}, error) {
	id, err := paramInt64(p, "device_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	existing, err := h.cfg.Storage.GetDevice(r.Context(), id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req deviceRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	device, err := h.deviceFromRequest(&req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	device.ID = existing.ID

	switch device.AuthType {
	case storage.AuthTypePassword:
		if req.Password == "" {
			if existing.AuthType != storage.AuthTypePassword {
				return nil, trace.BadParameter("switching to password auth requires a password")
			}
			device.EncryptedPassword = existing.EncryptedPassword
		}
		// A leftover key file from a previous key configuration is
		// removed below once the row is safely updated.
	case storage.AuthTypeKey:
		if req.PrivateKey == "" {
			if existing.KeyFilename == "" {
				return nil, trace.BadParameter("switching to key auth requires a private key")
			}
			device.KeyFilename = existing.KeyFilename
		} else {
			filename, err := h.cfg.Vault.SaveKey(device.ID, []byte(req.PrivateKey))
			if err != nil {
				return nil, trace.Wrap(err)
			}
			device.KeyFilename = filename
		}
	}

	updated, err := h.cfg.Storage.UpdateDevice(r.Context(), *device)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if updated.AuthType == storage.AuthTypePassword && existing.KeyFilename != "" {
		if err := h.cfg.Vault.DeleteKey(existing.KeyFilename); err != nil {
			h.log.Warnf("Failed to remove key file of device %v: %v.", id, err)
		}
	}
	return newDeviceResponse(updated), nil
}

// deleteDevice removes a device and its key file, if any.
func (h *Handler) deleteDevice(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ *auth.Claims) (interface{}, error) {
	id, err := paramInt64(p, "device_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	device, err := h.cfg.Storage.GetDevice(r.Context(), id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Storage.DeleteDevice(r.Context(), id); err != nil {
		return nil, trace.Wrap(err)
	}
	if device.KeyFilename != "" {
		if err := h.cfg.Vault.DeleteKey(device.KeyFilename); err != nil {
			h.log.Warnf("Failed to remove key file of device %v: %v.", id, err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
	return nil, nil
}

// deviceFromRequest builds a catalog row from the request body, sealing
// the password when one is present. Defaults: port 22, connection type
// ssh.
func (h *Handler) deviceFromRequest(req *deviceRequest) (*storage.Device, error) {
	device := &storage.Device{
		Name:           req.Name,
		Hostname:       req.Hostname,
		Port:           req.Port,
		Username:       req.Username,
		AuthType:       req.AuthType,
		ConnectionType: req.ConnectionType,
	}
	if device.Port == 0 {
		device.Port = defaults.SSHPort
	}
	if device.ConnectionType == "" {
		device.ConnectionType = storage.ConnectionTypeSSH
	}
	if device.AuthType == storage.AuthTypePassword && req.Password != "" {
		sealed, err := h.cfg.Vault.Seal([]byte(req.Password))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		device.EncryptedPassword = sealed
	}
	return device, nil
}
