// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package route describes the ways a logical service can be reached, as
// ordered sequences of typed hops, and proposes them from configuration.
package route

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/katzenpost/detour/core/retry"
)

// Endpoint is a network destination.
type Endpoint struct {
	Host string
	Port uint16
}

// Address returns the endpoint in host:port form.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

func (e Endpoint) String() string {
	return e.Address()
}

// Strategy is the connectivity strategy a Route implements, in increasing
// order of cost.
type Strategy uint8

const (
	StrategyDirect Strategy = iota + 1
	StrategyFronted
	StrategyProxied
)

func (s Strategy) String() string {
	switch s {
	case StrategyDirect:
		return "direct"
	case StrategyFronted:
		return "fronted"
	case StrategyProxied:
		return "proxied"
	default:
		return fmt.Sprintf("[BUG: unknown strategy %d]", uint8(s))
	}
}

// Route is an immutable, validated hop sequence for one target.
type Route struct {
	target   string
	strategy Strategy
	hops     []Hop
	fp       Fingerprint
}

// New validates hops and returns a Route to target.  The sequence must be
// non-empty, every hop must receive the kind of input it consumes, and the
// final hop must produce a usable transport.
func New(target string, strategy Strategy, hops ...Hop) (*Route, error) {
	if target == "" {
		return nil, errors.New("route: empty target")
	}
	if err := validate(hops); err != nil {
		return nil, err
	}
	r := &Route{
		target:   target,
		strategy: strategy,
		hops:     cloneHops(hops),
	}
	fp, err := computeFingerprint(target, r.hops)
	if err != nil {
		return nil, err
	}
	r.fp = fp
	return r, nil
}

func validate(hops []Hop) error {
	if len(hops) == 0 {
		return errors.New("route: empty hop sequence")
	}

	prev := outNone
	var resolved string
	for i, h := range hops {
		if h == nil {
			return fmt.Errorf("route: hop %d is nil", i)
		}
		switch v := h.(type) {
		case *Resolve:
			if prev != outNone {
				return fmt.Errorf("route: hop %d: resolve must be the first hop", i)
			}
			if v.Domain == "" {
				return fmt.Errorf("route: hop %d: empty domain", i)
			}
			resolved = v.Domain
		case *TCPConnect:
			if err := checkDial(i, prev, resolved, v.Host, v.Port); err != nil {
				return err
			}
		case *QUICConnect:
			if err := checkDial(i, prev, resolved, v.Host, v.Port); err != nil {
				return err
			}
			if v.ServerName == "" {
				return fmt.Errorf("route: hop %d: quic requires a server name", i)
			}
		case *TLSHandshake:
			if prev != outStream {
				return fmt.Errorf("route: hop %d: tls requires a stream", i)
			}
			if v.ServerName == "" {
				return fmt.Errorf("route: hop %d: tls requires a server name", i)
			}
		case *ProxyNegotiate:
			if prev != outStream {
				return fmt.Errorf("route: hop %d: proxy requires a stream", i)
			}
			if v.Target.Host == "" || v.Target.Port == 0 {
				return fmt.Errorf("route: hop %d: proxy requires a target", i)
			}
			if v.Isolate && v.Username != "" {
				return fmt.Errorf("route: hop %d: isolation conflicts with credentials", i)
			}
		case *StreamUpgrade:
			if prev != outStream {
				return fmt.Errorf("route: hop %d: upgrade requires a stream", i)
			}
			switch v.Protocol {
			case UpgradeWebSocket:
				if v.Host == "" {
					return fmt.Errorf("route: hop %d: websocket requires a host", i)
				}
			case UpgradeNoise:
				if v.ServerKey == nil {
					return fmt.Errorf("route: hop %d: noise requires a server key", i)
				}
			default:
				return fmt.Errorf("route: hop %d: invalid upgrade protocol", i)
			}
		default:
			return fmt.Errorf("route: hop %d: unknown hop type %T", i, h)
		}
		prev = produces(h)
	}
	if !terminal(hops[len(hops)-1]) {
		return fmt.Errorf("route: final hop %v does not produce a transport", hops[len(hops)-1])
	}
	return nil
}

func checkDial(i int, prev output, resolved, host string, port uint16) error {
	if port == 0 {
		return fmt.Errorf("route: hop %d: invalid port", i)
	}
	switch prev {
	case outAddrs:
		if !strings.EqualFold(resolved, host) {
			return fmt.Errorf("route: hop %d: dials '%v' but '%v' was resolved", i, host, resolved)
		}
	case outNone:
		if !retry.IsLiteralAddress(host) {
			return fmt.Errorf("route: hop %d: '%v' must be resolved first", i, host)
		}
	default:
		return fmt.Errorf("route: hop %d: dial must start the route", i)
	}
	return nil
}

// Target returns the logical service the route reaches.
func (r *Route) Target() string { return r.target }

// Strategy returns the connectivity strategy of the route.
func (r *Route) Strategy() Strategy { return r.strategy }

// Fingerprint returns the stable identity of the route.
func (r *Route) Fingerprint() Fingerprint { return r.fp }

// Len returns the number of hops.
func (r *Route) Len() int { return len(r.hops) }

// Hop returns a copy of the i-th hop.
func (r *Route) Hop(i int) Hop { return r.hops[i].clone() }

// Hops returns a copy of the hop sequence.  Routes are immutable, so the
// hops are copied too.
func (r *Route) Hops() []Hop { return cloneHops(r.hops) }

func cloneHops(hops []Hop) []Hop {
	out := make([]Hop, 0, len(hops))
	for _, h := range hops {
		out = append(out, h.clone())
	}
	return out
}

func (r *Route) String() string {
	parts := make([]string, 0, len(r.hops))
	for _, h := range r.hops {
		parts = append(parts, h.String())
	}
	return fmt.Sprintf("%s/%s[%s] %s", r.target, r.strategy, r.fp, strings.Join(parts, " -> "))
}

// RouteSet is the ordered list of candidate routes for one target.
type RouteSet struct {
	Target string
	Routes []*Route
}

// Add appends r unless a route with the same fingerprint is present, and
// returns true if it was added.
func (s *RouteSet) Add(r *Route) bool {
	if r.Target() != s.Target {
		return false
	}
	for _, existing := range s.Routes {
		if existing.Fingerprint() == r.Fingerprint() {
			return false
		}
	}
	s.Routes = append(s.Routes, r)
	return true
}

// Len returns the number of routes.
func (s *RouteSet) Len() int { return len(s.Routes) }

// Clone returns a shallow copy whose order may be changed independently.
func (s *RouteSet) Clone() *RouteSet {
	return &RouteSet{
		Target: s.Target,
		Routes: append([]*Route{}, s.Routes...),
	}
}

// Fingerprints returns the route fingerprints in order.
func (s *RouteSet) Fingerprints() []Fingerprint {
	fps := make([]Fingerprint, 0, len(s.Routes))
	for _, r := range s.Routes {
		fps = append(fps, r.Fingerprint())
	}
	return fps
}
