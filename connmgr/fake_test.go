// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package connmgr

import (
	"context"
	"net"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/detour/config"
	"github.com/katzenpost/detour/core/log"
	"github.com/katzenpost/detour/hop"
	"github.com/katzenpost/detour/route"
)

// behaviour scripts one hop of a fake route.
type behaviour struct {
	delay  time.Duration
	block  bool
	fail   hop.FailureKind
	detail string

	// failFirst limits fail to the first runs of the hop.
	failFirst int

	// hold stalls the hop until closed, deaf to cancellation, before it
	// goes on as scripted.
	hold chan struct{}
}

type trackedConn struct {
	net.Conn
	r    *fakeRunner
	once sync.Once
}

func (c *trackedConn) Close() error {
	c.once.Do(func() {
		c.r.Lock()
		c.r.open--
		c.r.Unlock()
	})
	return c.Conn.Close()
}

// fakeRunner executes routes of the form resolve(host) -> tcp(host) ->
// tls(host) according to per host and hop kind behaviours, and tracks the
// streams it opens.
type fakeRunner struct {
	sync.Mutex

	rules    map[string]behaviour
	runs     map[string]int
	open     int
	started  []string
	startAt  map[string]time.Time
	blockedC chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		rules:    make(map[string]behaviour),
		runs:     make(map[string]int),
		startAt:  make(map[string]time.Time),
		blockedC: make(chan struct{}, 64),
	}
}

func (r *fakeRunner) set(host string, k route.HopKind, b behaviour) {
	r.Lock()
	defer r.Unlock()
	r.rules[host+"/"+k.String()] = b
}

func (r *fakeRunner) openConns() int {
	r.Lock()
	defer r.Unlock()
	return r.open
}

func (r *fakeRunner) startedAt(host string) time.Time {
	r.Lock()
	defer r.Unlock()
	return r.startAt[host]
}

func (r *fakeRunner) startOrder() []string {
	r.Lock()
	defer r.Unlock()
	return append([]string(nil), r.started...)
}

func hostOf(h route.Hop) string {
	switch v := h.(type) {
	case *route.Resolve:
		return v.Domain
	case *route.TCPConnect:
		return v.Host
	case *route.TLSHandshake:
		return v.ServerName
	default:
		panic("unexpected hop")
	}
}

func (r *fakeRunner) Execute(ctx context.Context, h route.Hop, in *hop.State) (*hop.State, error) {
	host := hostOf(h)
	key := host + "/" + h.Kind().String()
	r.Lock()
	b := r.rules[key]
	r.runs[key]++
	if b.failFirst > 0 && r.runs[key] > b.failFirst {
		b.fail = 0
	}
	if h.Kind() == route.KindResolve {
		r.started = append(r.started, host)
		r.startAt[host] = time.Now()
	}
	r.Unlock()

	if b.hold != nil {
		r.blockedC <- struct{}{}
		<-b.hold
	}
	if b.block {
		r.blockedC <- struct{}{}
		<-ctx.Done()
		// Like a real connector, report the interrupted I/O rather than
		// the context.
		return nil, &hop.Failure{Kind: hop.Transport, Detail: "interrupted"}
	}
	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return nil, &hop.Failure{Kind: hop.Transport, Detail: "interrupted"}
		}
	}
	if b.fail != 0 {
		return nil, &hop.Failure{Kind: b.fail, Detail: b.detail}
	}

	switch h.(type) {
	case *route.Resolve:
		return &hop.State{Addrs: []netip.Addr{netip.MustParseAddr("127.0.0.1")}}, nil
	case *route.TCPConnect:
		c, _ := net.Pipe()
		r.Lock()
		r.open++
		r.Unlock()
		return &hop.State{Conn: &trackedConn{Conn: c, r: r}, Protocol: "tcp"}, nil
	default:
		return &hop.State{Conn: in.Conn, Protocol: "tls"}, nil
	}
}

type fakeProposer struct {
	sets map[string]*route.RouteSet
}

func (p *fakeProposer) Propose(target string) (*route.RouteSet, error) {
	set, ok := p.sets[target]
	if !ok {
		return nil, route.ErrUnknownTarget
	}
	return set, nil
}

func fakeRoute(t *testing.T, target string, strategy route.Strategy, host string) *route.Route {
	r, err := route.New(target, strategy,
		&route.Resolve{Domain: host},
		&route.TCPConnect{Host: host, Port: 443},
		&route.TLSHandshake{ServerName: host})
	require.NoError(t, err)
	return r
}

type routeSpec struct {
	host     string
	strategy route.Strategy
}

func direct(host string) routeSpec  { return routeSpec{host, route.StrategyDirect} }
func proxied(host string) routeSpec { return routeSpec{host, route.StrategyProxied} }

func testConfig(t *testing.T) *config.Config {
	cfg, err := config.Load([]byte(`
[[Services]]
  Name = "chat"
  [[Services.Endpoints]]
    Host = "chat.example.org"
`))
	require.NoError(t, err)
	cfg.Campaign.StaggerMs = 50
	cfg.Timeouts.CampaignMs = 20000
	return cfg
}

type events struct {
	sync.Mutex
	campaigns []*CampaignEvent
	at        []time.Time
	attempts  []*AttemptEvent
}

func (e *events) callbacks() Callbacks {
	return Callbacks{
		OnCampaign: func(ev *CampaignEvent) {
			e.Lock()
			defer e.Unlock()
			e.campaigns = append(e.campaigns, ev)
			e.at = append(e.at, time.Now())
		},
		OnAttempt: func(ev *AttemptEvent) {
			e.Lock()
			defer e.Unlock()
			e.attempts = append(e.attempts, ev)
		},
	}
}

func (e *events) inState(s CampaignState) []*CampaignEvent {
	e.Lock()
	defer e.Unlock()
	var out []*CampaignEvent
	for _, ev := range e.campaigns {
		if ev.State == s {
			out = append(out, ev)
		}
	}
	return out
}

// when returns the time of the event in state s of campaign n.
func (e *events) when(n int, s CampaignState) time.Time {
	e.Lock()
	defer e.Unlock()
	for i, ev := range e.campaigns {
		if ev.Campaign == n && ev.State == s {
			return e.at[i]
		}
	}
	return time.Time{}
}

func (e *events) attemptFor(fp route.Fingerprint) []*AttemptEvent {
	e.Lock()
	defer e.Unlock()
	var out []*AttemptEvent
	for _, ev := range e.attempts {
		if ev.Fingerprint == fp {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	m      *Manager
	runner *fakeRunner
	events *events
	routes []*route.Route
}

func newHarness(t *testing.T, cfg *config.Config, specs ...routeSpec) *harness {
	if cfg == nil {
		cfg = testConfig(t)
	}
	h := &harness{runner: newFakeRunner(), events: &events{}}
	set := &route.RouteSet{Target: "chat"}
	for _, s := range specs {
		r := fakeRoute(t, "chat", s.strategy, s.host)
		require.True(t, set.Add(r))
		h.routes = append(h.routes, r)
	}

	logBackend, err := log.NewWithWriter(os.Stderr, "ERROR")
	require.NoError(t, err)
	h.m, err = New(cfg, logBackend,
		WithRunner(h.runner),
		WithProposer(&fakeProposer{sets: map[string]*route.RouteSet{"chat": set}}),
		WithCallbacks(h.events.callbacks()))
	require.NoError(t, err)
	t.Cleanup(h.m.Shutdown)
	return h
}

// waitBlocked waits until n hops are blocked in the fake runner.
func (h *harness) waitBlocked(t *testing.T, n int) {
	for i := 0; i < n; i++ {
		select {
		case <-h.runner.blockedC:
		case <-time.After(10 * time.Second):
			t.Fatalf("only %d of %d hops blocked", i, n)
		}
	}
}
