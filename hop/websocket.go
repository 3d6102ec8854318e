// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package hop

import (
	"context"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/katzenpost/detour/route"
)

const wsCloseTimeout = time.Second

func (c *Connector) webSocket(ctx context.Context, h *route.StreamUpgrade, in *State) (*State, error) {
	if err := requireConn(in, "websocket"); err != nil {
		return nil, err
	}
	conn := in.Conn
	d := &websocket.Dialer{
		NetDialContext: func(context.Context, string, string) (net.Conn, error) {
			return conn, nil
		},
	}
	path := h.Path
	if path == "" {
		path = "/"
	}
	u := url.URL{Scheme: "ws", Host: h.Host, Path: path}

	stop := watchConn(ctx, conn)
	ws, resp, err := d.DialContext(ctx, u.String(), nil)
	stop()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &Failure{Kind: KindOf(ctxErr), Err: err}
		}
		f := &Failure{Kind: HandshakeFailed, Err: err}
		if resp != nil {
			f.Detail = resp.Status
		}
		return nil, f
	}
	return &State{Conn: newWSConn(ws), Protocol: "websocket"}, nil
}

// wsConn exposes a WebSocket as a byte stream, carrying writes as binary
// messages.
type wsConn struct {
	ws *websocket.Conn

	rMu    sync.Mutex
	reader io.Reader

	wMu        sync.Mutex
	wClosed    bool
	closeOnce  sync.Once
	closeError error
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (w *wsConn) Read(b []byte) (int, error) {
	w.rMu.Lock()
	defer w.rMu.Unlock()

	for {
		if w.reader == nil {
			msgType, r, err := w.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					return 0, io.EOF
				}
				return 0, err
			}
			if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
				continue
			}
			w.reader = r
		}
		n, err := w.reader.Read(b)
		if err == io.EOF {
			w.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (w *wsConn) Write(b []byte) (int, error) {
	w.wMu.Lock()
	defer w.wMu.Unlock()

	if w.wClosed {
		return 0, net.ErrClosed
	}
	if err := w.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// CloseWrite sends a close frame.  The peer sees the end of the stream,
// and reads continue until it closes in turn.
func (w *wsConn) CloseWrite() error {
	w.wMu.Lock()
	defer w.wMu.Unlock()

	if w.wClosed {
		return nil
	}
	w.wClosed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return w.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseTimeout))
}

func (w *wsConn) Close() error {
	w.closeOnce.Do(func() {
		w.closeError = w.ws.Close()
	})
	return w.closeError
}

func (w *wsConn) LocalAddr() net.Addr {
	return w.ws.LocalAddr()
}

func (w *wsConn) RemoteAddr() net.Addr {
	return w.ws.RemoteAddr()
}

func (w *wsConn) SetDeadline(t time.Time) error {
	if err := w.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return w.ws.SetWriteDeadline(t)
}

func (w *wsConn) SetReadDeadline(t time.Time) error {
	return w.ws.SetReadDeadline(t)
}

func (w *wsConn) SetWriteDeadline(t time.Time) error {
	return w.ws.SetWriteDeadline(t)
}
