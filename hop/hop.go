// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package hop implements one connector per route hop kind.  A connector
// consumes the previous hop's output and produces its own, honouring the
// context for both deadline and cancellation.
package hop

import (
	"context"
	"crypto/x509"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/detour/config"
	"github.com/katzenpost/detour/core/log"
	"github.com/katzenpost/detour/core/wire"
	"github.com/katzenpost/detour/route"
)

// State is what flows between hops.  Exactly one of Addrs or Conn is set
// after a hop, depending on its kind.
type State struct {
	// Addrs is the usable address set produced by a Resolve hop.
	Addrs []netip.Addr

	// Conn is the stream produced by every other hop.
	Conn net.Conn

	// Protocol is the protocol stack of Conn, innermost first, for
	// example "tcp/tls/websocket".
	Protocol string

	// Keys is set once a Noise handshake has completed.
	Keys *wire.SessionKeys
}

// Resolver is the subset of *net.Resolver used by the Resolve hop.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Options configures a Connector.
type Options struct {
	// Resolver is used by the Resolve hop, net.DefaultResolver when nil.
	Resolver Resolver

	PreferIPv6  bool
	DisableIPv4 bool
	DisableIPv6 bool

	// ResolutionDelay is how long a non-preferred family answer waits for
	// the preferred family.
	ResolutionDelay time.Duration

	// KeepAlive is the TCP keep-alive period.
	KeepAlive time.Duration

	// RootCAs overrides the system roots for TLS and QUIC.
	RootCAs *x509.CertPool

	// QUICConfig is passed to quic-go, which uses its defaults when nil.
	QUICConfig *quic.Config
}

// OptionsFromConfig derives connector options from the configuration.
func OptionsFromConfig(cfg *config.Config) *Options {
	opts := &Options{
		PreferIPv6:      cfg.Resolver.PreferIPv6,
		DisableIPv4:     cfg.Resolver.DisableIPv4,
		DisableIPv6:     cfg.Resolver.DisableIPv6,
		ResolutionDelay: config.Duration(cfg.Resolver.ResolutionDelayMs),
	}
	if len(cfg.Resolver.Servers) > 0 {
		opts.Resolver = newServerResolver(cfg.Resolver.Servers)
	}
	return opts
}

// Connector executes hops.
type Connector struct {
	opts *Options
	log  *logging.Logger
}

// NewConnector returns a Connector.  A nil opts uses the defaults.
func NewConnector(opts *Options, logBackend *log.Backend) *Connector {
	if opts == nil {
		opts = &Options{}
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	return &Connector{
		opts: opts,
		log:  logBackend.GetLogger("detour/hop"),
	}
}

// Execute runs hop h over in.  On success the returned State owns any
// stream in in.  On failure the error is a *Failure, and the connector has
// released everything it opened itself; in.Conn is left for the caller to
// close.
func (c *Connector) Execute(ctx context.Context, h route.Hop, in *State) (*State, error) {
	if in == nil {
		in = &State{}
	}
	if err := ctx.Err(); err != nil {
		return nil, &Failure{Kind: KindOf(err), Hop: h.Kind(), Err: err}
	}

	var (
		out *State
		err error
	)
	switch v := h.(type) {
	case *route.Resolve:
		out, err = c.resolve(ctx, v)
	case *route.TCPConnect:
		out, err = c.tcpConnect(ctx, v, in)
	case *route.TLSHandshake:
		out, err = c.tlsHandshake(ctx, v, in)
	case *route.ProxyNegotiate:
		out, err = c.proxyNegotiate(ctx, v, in)
	case *route.StreamUpgrade:
		switch v.Protocol {
		case route.UpgradeWebSocket:
			out, err = c.webSocket(ctx, v, in)
		case route.UpgradeNoise:
			out, err = c.noise(ctx, v, in)
		default:
			panic("BUG: hop: unhandled upgrade protocol " + v.Protocol.String())
		}
	case *route.QUICConnect:
		out, err = c.quicConnect(ctx, v, in)
	default:
		panic("BUG: hop: unhandled hop kind " + h.Kind().String())
	}
	if err != nil {
		f := asFailure(err)
		f.Hop = h.Kind()
		return nil, f
	}
	if out.Conn != nil {
		if in.Protocol != "" {
			out.Protocol = in.Protocol + "/" + out.Protocol
		}
		if out.Keys == nil {
			out.Keys = in.Keys
		}
	}
	return out, nil
}

// aLongTimeAgo is a deadline that makes blocked I/O return immediately.
var aLongTimeAgo = time.Unix(1, 0)

// watchConn applies ctx's deadline to conn and interrupts blocked I/O on
// cancellation.  The returned function must be called before conn is used
// outside of ctx, and clears the deadline.
func watchConn(ctx context.Context, conn net.Conn) func() {
	if d, ok := ctx.Deadline(); ok {
		conn.SetDeadline(d)
	}
	var (
		mu      sync.Mutex
		stopped bool
	)
	stopAfter := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		if !stopped {
			conn.SetDeadline(aLongTimeAgo)
		}
	})
	return func() {
		stopAfter()
		mu.Lock()
		stopped = true
		mu.Unlock()
		conn.SetDeadline(time.Time{})
	}
}

func requireConn(in *State, what string) error {
	if in.Conn == nil {
		return &Failure{Kind: Transport, Detail: what + " has no input stream"}
	}
	return nil
}
