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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/cloudshell/lib/auth"
	"github.com/gravitational/cloudshell/lib/defaults"
	"github.com/gravitational/cloudshell/lib/events"
	"github.com/gravitational/cloudshell/lib/session"
)

// Websocket close codes of the terminal bridge.
const (
	closeNormal         = websocket.CloseNormalClosure
	closeBadToken       = 4001
	closeUnknownSession = 4004
	closePTYFailure     = 4011
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  defaults.TermBufferSize,
	WriteBufferSize: defaults.TermBufferSize,
	// The bearer token in the query string is the access control; the
	// browser origin is not.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// resizeEnvelope is the single structured message recognized on the
// inbound stream; every other frame is raw keyboard input.
type resizeEnvelope struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// createShellSession dials the device and registers a shell session.
// The remote PTY is created later, over the websocket, once the
// client's terminal size is known.
func (h *Handler) createShellSession(w http.ResponseWriter, r *http.Request, p httprouter.Params, claims *auth.Claims) (interface{}, error) {
	device, credential, err := h.openDevice(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer credential.Cleanup()

	id, err := h.cfg.Registry.OpenShell(r.Context(), session.OpenParams{
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
		Detail:   fmt.Sprintf("Started SSH session with %v", deviceLabel(device)),
	})
	return map[string]string{"session_id": id}, nil
}

// terminalWS attaches a websocket to a registered shell session and
// bridges frames to the remote PTY. Browsers cannot set headers on
// websocket requests, so the token arrives as a query parameter and is
// fully validated before anything else.
func (h *Handler) terminalWS(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debugf("Websocket upgrade failed: %v.", err)
		return
	}
	defer ws.Close()

	claims, err := h.cfg.Auth.ValidateToken(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		closeWS(ws, closeBadToken, "invalid token")
		return
	}

	sessionID := p.ByName("session_id")
	sess, err := h.cfg.Registry.Get(sessionID)
	if err != nil {
		writeErrorFrame(ws, fmt.Sprintf("session %v not found", sessionID))
		closeWS(ws, closeUnknownSession, "unknown session")
		return
	}

	// The session outlives the request context: teardown is driven by
	// the frame loops, not by the HTTP request ending.
	ctx := context.Background()

	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }

	// The connection has exactly one reader for its whole life: a read
	// error (including a deadline hit) poisons a websocket for good, so
	// the initial-size wait below cannot use read deadlines.
	inbound := make(chan []byte)
	go func() {
		defer finish()
		for {
			_, frame, err := ws.ReadMessage()
			if err != nil {
				return
			}
			select {
			case inbound <- frame:
			case <-done:
				return
			}
		}
	}()

	// Wait briefly for the client to report its terminal size before
	// the PTY is requested. The first frame is consumed either way: a
	// non-resize frame is dropped, silence falls back to the default
	// geometry.
	cols, rows := defaults.TermCols, defaults.TermRows
	select {
	case frame := <-inbound:
		if resize, ok := parseResize(frame); ok {
			cols, rows = resize.Cols, resize.Rows
		}
	case <-time.After(defaults.ResizeWait):
	case <-done:
		// Client hung up before the bridge started.
		h.closeShellSession(ctx, sessionID, claims.Username)
		return
	}

	if err := sess.StartPTY(cols, rows); err != nil {
		h.log.Warnf("Failed to start PTY for session %v: %v.", sessionID, err)
		writeErrorFrame(ws, trace.UserMessage(err))
		closeWS(ws, closePTYFailure, "pty allocation failed")
		h.closeShellSession(ctx, sessionID, claims.Username)
		return
	}
	h.log.Infof("Terminal attached to session %v at %vx%v.", sessionID, cols, rows)

	var writeMu sync.Mutex

	// Remote output -> websocket.
	go func() {
		defer finish()
		buf := make([]byte, defaults.TermBufferSize)
		for {
			n, err := sess.Read(buf)
			if n > 0 {
				writeMu.Lock()
				werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n])
				writeMu.Unlock()
				if werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// Client frames -> remote input, with resize envelopes peeled off.
	go func() {
		defer finish()
		for {
			select {
			case frame := <-inbound:
				if h.handleInbound(sess, frame) != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	<-done
	h.closeShellSession(ctx, sessionID, claims.Username)
	writeMu.Lock()
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeNormal, ""), time.Now().Add(time.Second))
	writeMu.Unlock()
}

// handleInbound routes one client frame: resize envelopes change the
// PTY geometry, everything else is keyboard input forwarded verbatim.
func (h *Handler) handleInbound(sess *session.Session, frame []byte) error {
	if resize, ok := parseResize(frame); ok {
		if err := sess.Resize(resize.Cols, resize.Rows); err != nil {
			h.log.Debugf("Resize failed: %v.", err)
		}
		return nil
	}
	_, err := sess.Write(frame)
	return err
}

// parseResize recognizes the resize envelope. Only frames that start
// with '{', parse as JSON and carry type "resize" with positive
// dimensions qualify; anything else stays raw input.
func parseResize(frame []byte) (resizeEnvelope, bool) {
	if len(frame) == 0 || frame[0] != '{' {
		return resizeEnvelope{}, false
	}
	var envelope resizeEnvelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return resizeEnvelope{}, false
	}
	if envelope.Type != "resize" || envelope.Cols <= 0 || envelope.Rows <= 0 {
		return resizeEnvelope{}, false
	}
	return envelope, true
}

// closeShellSession removes the session and writes the end audit entry.
// Metadata is read before the close so the entry stays attributable.
func (h *Handler) closeShellSession(ctx context.Context, sessionID, username string) {
	meta, ok := h.cfg.Registry.Meta(sessionID)
	h.cfg.Registry.Close(sessionID)
	if !ok {
		return
	}
	h.cfg.AuditLog.Emit(ctx, events.Event{
		Username: username,
		Action:   events.ActionSessionEnded,
		SourceIP: meta.SourceIP,
		Detail:   fmt.Sprintf("Ended SSH session with %v", meta.DeviceLabel),
	})
}

// writeErrorFrame paints an error into the client terminal in red so
// failures are visible even without devtools open.
func writeErrorFrame(ws *websocket.Conn, msg string) {
	frame := fmt.Sprintf("\r\n\x1b[31m[CloudShell error: %v]\x1b[0m\r\n", msg)
	ws.WriteMessage(websocket.BinaryMessage, []byte(frame))
}

func closeWS(ws *websocket.Conn, code int, reason string) {
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}
