// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package hop

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"github.com/katzenpost/detour/core/retry"
	"github.com/katzenpost/detour/route"
)

const dnsServerDialTimeout = 5 * time.Second

// newServerResolver returns a resolver that queries servers in order,
// over UDP and then TCP, instead of the system configuration.
func newServerResolver(servers []string) *net.Resolver {
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			d := net.Dialer{Timeout: dnsServerDialTimeout}
			var lastErr error = net.UnknownNetworkError("no dns server reachable")
			for _, server := range servers {
				for _, n := range []string{"udp", "tcp"} {
					conn, err := d.DialContext(ctx, n, server)
					if err == nil {
						return conn, nil
					}
					lastErr = err
				}
			}
			return nil, lastErr
		},
	}
}

type lookupResult struct {
	network string
	addrs   []netip.Addr
	err     error
}

func (c *Connector) resolve(ctx context.Context, h *route.Resolve) (*State, error) {
	host := strings.TrimSuffix(h.Domain, ".")
	if addr, err := netip.ParseAddr(host); err == nil {
		return c.usable([]netip.Addr{addr})
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil || ascii == "" {
		return nil, &Failure{Kind: Resolution, Detail: "invalid domain", Err: err}
	}

	preferred, other := "ip4", "ip6"
	if c.opts.PreferIPv6 {
		preferred, other = other, preferred
	}
	var networks []string
	for _, n := range []string{preferred, other} {
		if (n == "ip4" && c.opts.DisableIPv4) || (n == "ip6" && c.opts.DisableIPv6) {
			continue
		}
		networks = append(networks, n)
	}

	lookupCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	resultCh := make(chan lookupResult, len(networks))
	for _, n := range networks {
		go func(network string) {
			addrs, err := c.opts.Resolver.LookupNetIP(lookupCtx, network, ascii)
			resultCh <- lookupResult{network: network, addrs: addrs, err: err}
		}(n)
	}

	var (
		held    []netip.Addr
		holdCh  <-chan time.Time
		lastErr error
		pending = len(networks)
	)
	for pending > 0 {
		select {
		case <-ctx.Done():
			return nil, &Failure{Kind: Resolution, Err: ctx.Err()}
		case <-holdCh:
			return c.usable(held)
		case r := <-resultCh:
			pending--
			if r.err != nil || len(r.addrs) == 0 {
				if r.err != nil {
					lastErr = r.err
				}
				continue
			}
			if r.network == preferred {
				return c.usable(append(r.addrs, held...))
			}
			held = r.addrs
			if pending > 0 {
				timer := time.NewTimer(c.opts.ResolutionDelay)
				defer timer.Stop()
				holdCh = timer.C
			}
		}
	}
	if len(held) > 0 {
		return c.usable(held)
	}
	if lastErr == nil {
		lastErr = errors.New("no addresses")
	}
	return nil, &Failure{Kind: Resolution, Err: lastErr}
}

func (c *Connector) usable(addrs []netip.Addr) (*State, error) {
	hasIPv4, hasIPv6 := retry.DetectAddressCapabilities(addrs)
	c.log.Debugf("Resolved %d address(es), IPv4: %v IPv6: %v", len(addrs), hasIPv4, hasIPv6)

	addrs = retry.FilterUsableAddresses(addrs, c.opts.PreferIPv6, c.opts.DisableIPv4, c.opts.DisableIPv6)
	if len(addrs) == 0 {
		detail := "no usable address"
		switch {
		case hasIPv4 && !hasIPv6:
			detail = "only IPv4 addresses, which are disabled"
		case hasIPv6 && !hasIPv4:
			detail = "only IPv6 addresses, which are disabled"
		}
		return nil, &Failure{Kind: Resolution, Detail: detail}
	}
	return &State{Addrs: addrs}, nil
}
