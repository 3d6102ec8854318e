// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package hop

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/katzenpost/detour/route"
)

func (c *Connector) quicConnect(ctx context.Context, h *route.QUICConnect, in *State) (*State, error) {
	tlsCfg := c.tlsConfig(h.ServerName, h.PinnedSPKI, h.ALPN)
	tlsCfg.MinVersion = tls.VersionTLS13

	var lastErr error
	for _, target := range dialTargets(in, h.Host, h.Port) {
		conn, err := quic.DialAddr(ctx, target, tlsCfg, c.opts.QUICConfig)
		if err != nil {
			c.log.Debugf("quic: %v: %v", target, err)
			lastErr = err
			if ctx.Err() != nil || isQUICHandshakeError(err) {
				break
			}
			continue
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			conn.CloseWithError(0, "")
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return &State{Conn: &quicConn{conn: conn, stream: stream}, Protocol: "quic"}, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, &Failure{Kind: KindOf(ctxErr), Err: lastErr}
	}
	if isQUICHandshakeError(lastErr) {
		return nil, classifyTLS(ctx, lastErr)
	}
	return nil, &Failure{Kind: Transport, Err: lastErr}
}

// isQUICHandshakeError returns true when the peer was reached but its TLS
// handshake failed, which no other address of the same host would fix.
func isQUICHandshakeError(err error) bool {
	if err == nil {
		return false
	}
	if isIdentityError(err) {
		return true
	}
	var te *quic.TransportError
	return errors.As(err, &te) && te.ErrorCode.IsCryptoError()
}

// quicConn carries one bidirectional stream of a QUIC connection as a
// net.Conn.  Closing it tears down the whole connection.
type quicConn struct {
	conn   *quic.Conn
	stream *quic.Stream

	closeOnce sync.Once
}

func (q *quicConn) Read(b []byte) (int, error) {
	return q.stream.Read(b)
}

func (q *quicConn) Write(b []byte) (int, error) {
	return q.stream.Write(b)
}

// CloseWrite finishes the send side of the stream.
func (q *quicConn) CloseWrite() error {
	return q.stream.Close()
}

func (q *quicConn) Close() error {
	var err error
	q.closeOnce.Do(func() {
		q.stream.CancelRead(0)
		q.stream.Close()
		err = q.conn.CloseWithError(0, "")
	})
	return err
}

func (q *quicConn) LocalAddr() net.Addr {
	return q.conn.LocalAddr()
}

func (q *quicConn) RemoteAddr() net.Addr {
	return q.conn.RemoteAddr()
}

func (q *quicConn) SetDeadline(t time.Time) error {
	return q.stream.SetDeadline(t)
}

func (q *quicConn) SetReadDeadline(t time.Time) error {
	return q.stream.SetReadDeadline(t)
}

func (q *quicConn) SetWriteDeadline(t time.Time) error {
	return q.stream.SetWriteDeadline(t)
}
