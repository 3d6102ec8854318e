// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package hop

import (
	"bufio"
	"context"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"golang.org/x/net/proxy"

	"github.com/katzenpost/detour/route"
)

// torSocks5ProcessIsolation prefixes every isolation user name, so that
// streams from distinct processes never share a circuit.
var torSocks5ProcessIsolation = "detour-" + strconv.Itoa(os.Getpid()) + "-"

// isolationAuth derives Tor SOCKSPort isolation credentials from tag.
func isolationAuth(tag string) *proxy.Auth {
	sum := sha512.Sum512_256([]byte(tag))
	return &proxy.Auth{
		User:     torSocks5ProcessIsolation + hex.EncodeToString(sum[:16]),
		Password: string([]byte{0x00}),
	}
}

func (c *Connector) proxyNegotiate(ctx context.Context, h *route.ProxyNegotiate, in *State) (*State, error) {
	if err := requireConn(in, "proxy"); err != nil {
		return nil, err
	}
	switch h.Proxy {
	case route.ProxySOCKS5:
		return c.socks5(ctx, h, in.Conn)
	case route.ProxyHTTPConnect:
		return c.httpConnect(ctx, h, in.Conn)
	default:
		panic("BUG: hop: unhandled proxy kind " + h.Proxy.String())
	}
}

// existingConn is a proxy.ContextDialer that hands out a connection that
// is already established to the proxy.
type existingConn struct {
	conn net.Conn
}

func (d *existingConn) Dial(string, string) (net.Conn, error) {
	return d.conn, nil
}

func (d *existingConn) DialContext(context.Context, string, string) (net.Conn, error) {
	return d.conn, nil
}

func (c *Connector) socks5(ctx context.Context, h *route.ProxyNegotiate, conn net.Conn) (*State, error) {
	var auth *proxy.Auth
	switch {
	case h.Isolate:
		auth = isolationAuth(h.Target.Address())
	case h.Username != "":
		auth = &proxy.Auth{User: h.Username, Password: h.Password}
	}

	d, err := proxy.SOCKS5("tcp", conn.RemoteAddr().String(), auth, &existingConn{conn: conn})
	if err != nil {
		return nil, &Failure{Kind: ProxyRejected, Err: err}
	}
	if _, err = d.(proxy.ContextDialer).DialContext(ctx, "tcp", h.Target.Address()); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &Failure{Kind: KindOf(ctxErr), Err: err}
		}
		return nil, &Failure{Kind: ProxyRejected, Err: err}
	}

	// The SOCKS dialer wraps conn without adding behaviour, so conn itself
	// is returned to keep its half-close.
	return &State{Conn: conn, Protocol: "socks5"}, nil
}

func (c *Connector) httpConnect(ctx context.Context, h *route.ProxyNegotiate, conn net.Conn) (*State, error) {
	target := h.Target.Address()
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	if h.Username != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(h.Username + ":" + h.Password))
		req.Header.Set("Proxy-Authorization", "Basic "+cred)
	}

	stop := watchConn(ctx, conn)
	defer stop()

	fail := func(kind FailureKind, detail string, err error) (*State, error) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			kind = KindOf(ctxErr)
		}
		return nil, &Failure{Kind: kind, Detail: detail, Err: err}
	}
	if err := req.Write(conn); err != nil {
		return fail(Transport, "", err)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return fail(ProxyRejected, "malformed response", err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(ProxyRejected, resp.Status, fmt.Errorf("proxy refused CONNECT %s", target))
	}

	if n := br.Buffered(); n > 0 {
		early, _ := br.Peek(n)
		conn = &prefixConn{Conn: conn, prefix: append([]byte(nil), early...)}
	}
	return &State{Conn: conn, Protocol: "http-connect"}, nil
}

// prefixConn replays bytes the proxy sent after its response, before
// reading from the underlying connection again.
type prefixConn struct {
	net.Conn
	prefix []byte
}

func (p *prefixConn) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}

func (p *prefixConn) CloseWrite() error {
	if cw, ok := p.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
