// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package route

import (
	"errors"
	"fmt"

	cartesian "github.com/schwarmco/go-cartesian-product"

	"github.com/katzenpost/detour/config"
	"github.com/katzenpost/detour/core/retry"
)

// ErrUnknownTarget is returned when a target names no configured service.
var ErrUnknownTarget = errors.New("route: unknown target")

const alpnHTTP1 = "http/1.1"

// builder turns one endpoint of a service into zero or more routes of one
// strategy.
type builder func(svc *config.Service, e *config.Endpoint) ([]*Route, error)

// Provider proposes candidate routes from configuration.  It is
// deterministic and has no side effects.
type Provider struct {
	cfg *config.Config
}

// NewProvider returns a Provider over a validated configuration.
func NewProvider(cfg *config.Config) *Provider {
	return &Provider{cfg: cfg}
}

// Targets returns the names of every configured service.
func (p *Provider) Targets() []string {
	names := make([]string, 0, len(p.cfg.Services))
	for _, s := range p.cfg.Services {
		names = append(names, s.Name)
	}
	return names
}

// Propose returns the candidate routes for target, cheapest strategy first:
// direct TCP, direct QUIC, fronted, then proxied.  Within a strategy the
// endpoints keep their configured order.
func (p *Provider) Propose(target string) (*RouteSet, error) {
	svc := p.cfg.Service(target)
	if svc == nil {
		return nil, fmt.Errorf("%w: '%v'", ErrUnknownTarget, target)
	}

	strategies := []interface{}{}
	if !svc.DisableDirect {
		strategies = append(strategies, builder(p.direct), builder(p.directQUIC))
	}
	if svc.Fronting != nil {
		strategies = append(strategies, builder(p.fronted))
	}
	if p.cfg.UpstreamProxy.Enabled() && !svc.DisableProxy {
		strategies = append(strategies, builder(p.proxied))
	}
	endpoints := make([]interface{}, 0, len(svc.Endpoints))
	for _, e := range svc.Endpoints {
		endpoints = append(endpoints, e)
	}

	set := &RouteSet{Target: target}
	var firstErr error
	// The channel must always be drained, or the producer leaks.
	for pair := range cartesian.Iter(strategies, endpoints) {
		if firstErr != nil {
			continue
		}
		routes, err := pair[0].(builder)(svc, pair[1].(*config.Endpoint))
		if err != nil {
			firstErr = err
			continue
		}
		for _, r := range routes {
			set.Add(r)
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	if set.Len() == 0 {
		return nil, fmt.Errorf("route: no connectivity strategy available for '%v'", target)
	}
	return set, nil
}

func dialHops(host string, port uint16) []Hop {
	if retry.IsLiteralAddress(host) {
		return []Hop{&TCPConnect{Host: host, Port: port}}
	}
	return []Hop{&Resolve{Domain: host}, &TCPConnect{Host: host, Port: port}}
}

func tlsHop(e *config.Endpoint, serverName string, pinned bool) *TLSHandshake {
	h := &TLSHandshake{ServerName: serverName}
	if pinned {
		h.PinnedSPKI = e.Pins()
	}
	if e.HasWebSocket() {
		h.ALPN = []string{alpnHTTP1}
	}
	return h
}

func noiseHop(e *config.Endpoint) *StreamUpgrade {
	return &StreamUpgrade{
		Protocol:     UpgradeNoise,
		NoisePattern: e.NoisePatternValue(),
		ServerKey:    e.NoiseServerKey(),
		LocalStatic:  e.NoiseLocalStatic(),
	}
}

func upgradeHops(e *config.Endpoint, wsHost string) []Hop {
	var hops []Hop
	if e.HasWebSocket() {
		hops = append(hops, &StreamUpgrade{Protocol: UpgradeWebSocket, Host: wsHost, Path: e.Path})
	}
	if e.HasNoise() {
		hops = append(hops, noiseHop(e))
	}
	return hops
}

func (p *Provider) direct(svc *config.Service, e *config.Endpoint) ([]*Route, error) {
	hops := dialHops(e.Host, uint16(e.Port))
	hops = append(hops, tlsHop(e, e.ServerName, true))
	hops = append(hops, upgradeHops(e, e.Host)...)
	r, err := New(svc.Name, StrategyDirect, hops...)
	if err != nil {
		return nil, err
	}
	return []*Route{r}, nil
}

func (p *Provider) directQUIC(svc *config.Service, e *config.Endpoint) ([]*Route, error) {
	if !e.QUIC {
		return nil, nil
	}
	q := &QUICConnect{
		Host:       e.Host,
		Port:       uint16(e.QUICPort),
		ServerName: e.ServerName,
		PinnedSPKI: e.Pins(),
		ALPN:       e.QUICALPN,
	}
	var hops []Hop
	if !retry.IsLiteralAddress(e.Host) {
		hops = append(hops, &Resolve{Domain: e.Host})
	}
	hops = append(hops, q)
	if e.HasNoise() {
		hops = append(hops, noiseHop(e))
	}
	r, err := New(svc.Name, StrategyDirect, hops...)
	if err != nil {
		return nil, err
	}
	return []*Route{r}, nil
}

func (p *Provider) fronted(svc *config.Service, e *config.Endpoint) ([]*Route, error) {
	if !e.HasWebSocket() {
		return nil, nil
	}
	var routes []*Route
	for _, front := range svc.Fronting.FrontDomains {
		hops := dialHops(front, uint16(e.Port))
		// The front presents the CDN's certificate, so endpoint pins do
		// not apply.
		hops = append(hops, tlsHop(e, front, false))
		hops = append(hops, upgradeHops(e, svc.Fronting.InnerHost)...)
		r, err := New(svc.Name, StrategyFronted, hops...)
		if err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	return routes, nil
}

func (p *Provider) proxied(svc *config.Service, e *config.Endpoint) ([]*Route, error) {
	up := p.cfg.UpstreamProxy
	neg := &ProxyNegotiate{
		Target:   Endpoint{Host: e.Host, Port: uint16(e.Port)},
		Username: up.User,
		Password: up.Password,
	}
	switch up.Type {
	case config.ProxyHTTP:
		neg.Proxy = ProxyHTTPConnect
	case config.ProxyTorSOCKS5:
		neg.Proxy = ProxySOCKS5
		neg.Isolate = true
	default:
		neg.Proxy = ProxySOCKS5
	}

	hops := dialHops(up.Host(), up.Port())
	hops = append(hops, neg, tlsHop(e, e.ServerName, true))
	hops = append(hops, upgradeHops(e, e.Host)...)
	r, err := New(svc.Name, StrategyProxied, hops...)
	if err != nil {
		return nil, err
	}
	return []*Route{r}, nil
}
