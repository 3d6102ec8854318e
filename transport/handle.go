// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport provides the connection handed to upper layer
// protocols once a route has been established.
package transport

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/katzenpost/detour/core/wire"
	"github.com/katzenpost/detour/route"
)

// ErrHalfCloseUnsupported is returned by CloseWrite when the outermost
// protocol of the route cannot signal the end of the write side alone.
var ErrHalfCloseUnsupported = errors.New("transport: half-close not supported")

type closeWriter interface {
	CloseWrite() error
}

// Handle is a live transport produced by a route.  It is a net.Conn, and
// ownership passes to the caller on delivery.
//
// A Handle closes itself when a read or write fails for any reason other
// than a deadline or the peer's orderly end of stream, so Done also
// observes a broken transport.
type Handle struct {
	conn net.Conn

	target      string
	fingerprint route.Fingerprint
	strategy    route.Strategy
	description string
	protocol    string
	keys        *wire.SessionKeys
	established time.Time

	closeOnce sync.Once
	closeErr  error
	doneCh    chan struct{}
}

// New wraps conn, the output of r's terminal hop.
func New(conn net.Conn, r *route.Route, protocol string, keys *wire.SessionKeys) *Handle {
	return &Handle{
		conn:        conn,
		target:      r.Target(),
		fingerprint: r.Fingerprint(),
		strategy:    r.Strategy(),
		description: r.String(),
		protocol:    protocol,
		keys:        keys,
		established: time.Now(),
		doneCh:      make(chan struct{}),
	}
}

// Target returns the logical service the handle is connected to.
func (h *Handle) Target() string {
	return h.target
}

// Fingerprint returns the fingerprint of the route that produced h.
func (h *Handle) Fingerprint() route.Fingerprint {
	return h.fingerprint
}

// Strategy returns the strategy of the route that produced h.
func (h *Handle) Strategy() route.Strategy {
	return h.strategy
}

// Route returns a human readable description of the route.
func (h *Handle) Route() string {
	return h.description
}

// Protocol returns the negotiated protocol stack, innermost first.
func (h *Handle) Protocol() string {
	return h.protocol
}

// SessionKeys returns the Noise session key material, or nil if the route
// has no Noise upgrade.  The keys are opaque to this package.
func (h *Handle) SessionKeys() *wire.SessionKeys {
	return h.keys
}

// Established returns when the route completed.
func (h *Handle) Established() time.Time {
	return h.established
}

func (h *Handle) Read(b []byte) (int, error) {
	n, err := h.conn.Read(b)
	if err != nil {
		h.onError(err)
	}
	return n, err
}

func (h *Handle) Write(b []byte) (int, error) {
	n, err := h.conn.Write(b)
	if err != nil {
		h.onError(err)
	}
	return n, err
}

func (h *Handle) onError(err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) {
		return
	}
	h.Close()
}

// CloseWrite shuts down the write side of the transport.  The read side
// stays usable until the peer finishes.
func (h *Handle) CloseWrite() error {
	if h.Closed() {
		return net.ErrClosed
	}
	cw, ok := h.conn.(closeWriter)
	if !ok {
		return ErrHalfCloseUnsupported
	}
	return cw.CloseWrite()
}

// Close closes the transport.  It is safe to call more than once.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.conn.Close()
		close(h.doneCh)
	})
	return h.closeErr
}

// Done returns a channel that is closed once the transport is closed.
func (h *Handle) Done() <-chan struct{} {
	return h.doneCh
}

// Closed returns true once the transport is closed.
func (h *Handle) Closed() bool {
	select {
	case <-h.doneCh:
		return true
	default:
		return false
	}
}

func (h *Handle) LocalAddr() net.Addr {
	return h.conn.LocalAddr()
}

func (h *Handle) RemoteAddr() net.Addr {
	return h.conn.RemoteAddr()
}

func (h *Handle) SetDeadline(t time.Time) error {
	return h.conn.SetDeadline(t)
}

func (h *Handle) SetReadDeadline(t time.Time) error {
	return h.conn.SetReadDeadline(t)
}

func (h *Handle) SetWriteDeadline(t time.Time) error {
	return h.conn.SetWriteDeadline(t)
}
