// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package hop

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/detour/route"
)

type socksRequest struct {
	user, pass string
	target     string
}

// socksServer speaks just enough SOCKS5 to accept or refuse one CONNECT,
// then writes "ok" on success.
func socksServer(conn net.Conn, reply byte) <-chan socksRequest {
	ch := make(chan socksRequest, 1)
	go func() {
		defer close(ch)
		var req socksRequest
		hdr := make([]byte, 2)
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return
		}
		methods := make([]byte, hdr[1])
		if _, err := io.ReadFull(conn, methods); err != nil {
			return
		}
		method := byte(0x00)
		for _, m := range methods {
			if m == 0x02 {
				method = 0x02
			}
		}
		conn.Write([]byte{0x05, method})
		if method == 0x02 {
			b := make([]byte, 2)
			io.ReadFull(conn, b)
			user := make([]byte, b[1])
			io.ReadFull(conn, user)
			io.ReadFull(conn, b[:1])
			pass := make([]byte, b[0])
			io.ReadFull(conn, pass)
			req.user, req.pass = string(user), string(pass)
			conn.Write([]byte{0x01, 0x00})
		}

		head := make([]byte, 4)
		if _, err := io.ReadFull(conn, head); err != nil {
			return
		}
		var host string
		switch head[3] {
		case 0x03:
			l := make([]byte, 1)
			io.ReadFull(conn, l)
			name := make([]byte, l[0])
			io.ReadFull(conn, name)
			host = string(name)
		case 0x01:
			ip := make([]byte, 4)
			io.ReadFull(conn, ip)
			host = net.IP(ip).String()
		}
		port := make([]byte, 2)
		io.ReadFull(conn, port)
		req.target = net.JoinHostPort(host, strconv.Itoa(int(port[0])<<8|int(port[1])))

		conn.Write([]byte{0x05, reply, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
		ch <- req
		if reply == 0x00 {
			conn.Write([]byte("ok"))
		}
	}()
	return ch
}

var chatTarget = route.Endpoint{Host: "chat.example.org", Port: 443}

func TestSOCKS5(t *testing.T) {
	c := testConnector(t, nil)
	ctx := context.Background()

	t.Run("isolated", func(t *testing.T) {
		require := require.New(t)
		client, server := net.Pipe()
		defer client.Close()
		reqCh := socksServer(server, 0x00)

		out, err := c.Execute(ctx, &route.ProxyNegotiate{Proxy: route.ProxySOCKS5, Target: chatTarget, Isolate: true}, &State{Conn: client, Protocol: "tcp"})
		require.NoError(err)
		require.Equal(client, out.Conn)
		require.Equal("tcp/socks5", out.Protocol)

		req := <-reqCh
		require.Equal("chat.example.org:443", req.target)
		require.True(strings.HasPrefix(req.user, torSocks5ProcessIsolation))
		require.Equal(isolationAuth("chat.example.org:443").User, req.user)
		require.NotEqual(isolationAuth("other.example.org:443").User, req.user)

		buf := make([]byte, 2)
		_, err = io.ReadFull(out.Conn, buf)
		require.NoError(err)
		require.Equal("ok", string(buf))
	})

	t.Run("credentials", func(t *testing.T) {
		require := require.New(t)
		client, server := net.Pipe()
		defer client.Close()
		reqCh := socksServer(server, 0x00)

		_, err := c.Execute(ctx, &route.ProxyNegotiate{Proxy: route.ProxySOCKS5, Target: chatTarget, Username: "alice", Password: "secret"}, &State{Conn: client})
		require.NoError(err)
		req := <-reqCh
		require.Equal("alice", req.user)
		require.Equal("secret", req.pass)
	})

	t.Run("refused", func(t *testing.T) {
		require := require.New(t)
		client, server := net.Pipe()
		defer client.Close()
		socksServer(server, 0x02)

		_, err := c.Execute(ctx, &route.ProxyNegotiate{Proxy: route.ProxySOCKS5, Target: chatTarget}, &State{Conn: client})
		var f *Failure
		require.True(errors.As(err, &f))
		require.Equal(ProxyRejected, f.Kind)
		require.Equal(route.KindProxyNegotiate, f.Hop)
	})
}

func TestHTTPConnect(t *testing.T) {
	c := testConnector(t, nil)
	ctx := context.Background()

	serve := func(conn net.Conn, response string) <-chan *http.Request {
		ch := make(chan *http.Request, 1)
		go func() {
			defer close(ch)
			req, err := http.ReadRequest(bufio.NewReader(conn))
			if err != nil {
				return
			}
			ch <- req
			conn.Write([]byte(response))
		}()
		return ch
	}

	t.Run("established", func(t *testing.T) {
		require := require.New(t)
		client, server := net.Pipe()
		defer client.Close()
		reqCh := serve(server, "HTTP/1.1 200 Connection established\r\n\r\nearly")

		hop := &route.ProxyNegotiate{Proxy: route.ProxyHTTPConnect, Target: chatTarget, Username: "u", Password: "p"}
		out, err := c.Execute(ctx, hop, &State{Conn: client, Protocol: "tcp"})
		require.NoError(err)
		require.Equal("tcp/http-connect", out.Protocol)

		req := <-reqCh
		require.Equal(http.MethodConnect, req.Method)
		require.Equal("chat.example.org:443", req.Host)
		require.Equal("Basic "+base64.StdEncoding.EncodeToString([]byte("u:p")), req.Header.Get("Proxy-Authorization"))

		buf := make([]byte, 5)
		_, err = io.ReadFull(out.Conn, buf)
		require.NoError(err)
		require.Equal("early", string(buf))
	})

	t.Run("refused", func(t *testing.T) {
		require := require.New(t)
		client, server := net.Pipe()
		defer client.Close()
		serve(server, "HTTP/1.1 407 Proxy Authentication Required\r\nContent-Length: 0\r\n\r\n")

		_, err := c.Execute(ctx, &route.ProxyNegotiate{Proxy: route.ProxyHTTPConnect, Target: chatTarget}, &State{Conn: client})
		var f *Failure
		require.True(errors.As(err, &f))
		require.Equal(ProxyRejected, f.Kind)
		require.Equal("407 Proxy Authentication Required", f.Detail)
	})
}
