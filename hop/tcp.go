// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package hop

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/katzenpost/detour/route"
)

// dialTargets returns the host:port strings to try, in order.  Resolved
// addresses take precedence over the literal host.
func dialTargets(in *State, host string, port uint16) []string {
	if len(in.Addrs) == 0 {
		return []string{net.JoinHostPort(host, strconv.Itoa(int(port)))}
	}
	targets := make([]string, 0, len(in.Addrs))
	for _, addr := range in.Addrs {
		targets = append(targets, netip.AddrPortFrom(addr, port).String())
	}
	return targets
}

// tcpConnect tries each target in turn.  Under a deadline, every target
// but the last gets an even share of the time remaining, so that one
// blackholed address cannot use up the whole hop.
func (c *Connector) tcpConnect(ctx context.Context, h *route.TCPConnect, in *State) (*State, error) {
	d := net.Dialer{KeepAlive: c.opts.KeepAlive}
	targets := dialTargets(in, h.Host, h.Port)

	var lastErr error
	for i, target := range targets {
		dialCtx, cancel := ctx, context.CancelFunc(func() {})
		if deadline, ok := ctx.Deadline(); ok && i < len(targets)-1 {
			share := time.Until(deadline) / time.Duration(len(targets)-i)
			dialCtx, cancel = context.WithTimeout(ctx, share)
		}
		conn, err := d.DialContext(dialCtx, "tcp", target)
		cancel()
		if err == nil {
			return &State{Conn: conn, Protocol: "tcp"}, nil
		}
		c.log.Debugf("tcp: %v: %v", target, err)
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &Failure{Kind: Transport, Err: lastErr}
}
