// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package connmgr establishes transports to logical targets by racing the
// candidate routes of each target, and retries with backoff on request.
package connmgr

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/detour/config"
	"github.com/katzenpost/detour/core/log"
	"github.com/katzenpost/detour/core/retry"
	"github.com/katzenpost/detour/core/worker"
	"github.com/katzenpost/detour/health"
	"github.com/katzenpost/detour/hop"
	"github.com/katzenpost/detour/route"
	"github.com/katzenpost/detour/transport"
)

// Proposer proposes the candidate routes of a target.  *route.Provider is
// the production implementation.
type Proposer interface {
	Propose(target string) (*route.RouteSet, error)
}

// Callbacks observe campaigns.  They are invoked synchronously from the
// campaign and must not block.
type Callbacks struct {
	OnCampaign func(*CampaignEvent)
	OnAttempt  func(*AttemptEvent)
}

// Option configures a Manager.
type Option func(*Manager)

// WithRunner replaces the hop connector.
func WithRunner(r HopRunner) Option {
	return func(m *Manager) { m.exec.runner = r }
}

// WithProposer replaces the route provider.
func WithProposer(p Proposer) Option {
	return func(m *Manager) { m.proposer = p }
}

// WithCallbacks installs campaign observers.
func WithCallbacks(cb Callbacks) Option {
	return func(m *Manager) { m.callbacks = cb }
}

// WithRootCAs sets the roots TLS and QUIC hops verify against, instead of
// the system pool.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(m *Manager) { m.hopOpts.RootCAs = pool }
}

type targetState struct {
	lock    chan struct{}
	backoff *retry.Backoff
}

func (ts *targetState) acquire(ctx context.Context) error {
	select {
	case ts.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (ts *targetState) release() {
	<-ts.lock
}

// Manager is the connection manager.  It owns the route health memory and
// the per target backoff state for its whole lifetime.
type Manager struct {
	sync.Mutex
	worker worker.Worker

	cfg       *config.Config
	log       *logging.Logger
	proposer  Proposer
	health    *health.Tracker
	exec      *executor
	hopOpts   *hop.Options
	sem       *semaphore.Weighted
	callbacks Callbacks

	targets  map[string]*targetState
	shutdown bool
}

// New returns a Manager for cfg, which must have been validated.
func New(cfg *config.Config, logBackend *log.Backend, opts ...Option) (*Manager, error) {
	if cfg == nil || cfg.Timeouts == nil || cfg.Campaign == nil || cfg.Retry == nil || cfg.Health == nil {
		return nil, errors.New("connmgr: configuration is not validated")
	}
	m := &Manager{
		cfg:      cfg,
		log:      logBackend.GetLogger("detour/connmgr"),
		proposer: route.NewProvider(cfg),
		health:   health.New(cfg.Health),
		hopOpts:  hop.OptionsFromConfig(cfg),
		sem:      semaphore.NewWeighted(int64(cfg.Campaign.MaxGlobalAttempts)),
		targets:  make(map[string]*targetState),
	}
	m.exec = &executor{
		timeouts: cfg.Timeouts,
		log:      logBackend.GetLogger("detour/attempt"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.exec.runner == nil {
		m.exec.runner = hop.NewConnector(m.hopOpts, logBackend)
	}
	return m, nil
}

// Health returns the route health tracker, for diagnostics.
func (m *Manager) Health() *health.Tracker {
	return m.health
}

// Connect runs a single campaign to target.
func (m *Manager) Connect(ctx context.Context, target string) (*transport.Handle, error) {
	return m.Start(ctx, target, nil).Wait()
}

// ConnectWithRetry runs campaigns to target until one succeeds or policy
// is exhausted.  A nil policy uses the configured one.
func (m *Manager) ConnectWithRetry(ctx context.Context, target string, policy *retry.Policy) (*transport.Handle, error) {
	if policy == nil {
		policy = m.cfg.Retry.Policy()
	}
	return m.Start(ctx, target, policy).Wait()
}

// Start begins connecting to target in the background.  With a nil policy
// a single campaign is run.
func (m *Manager) Start(ctx context.Context, target string, policy *retry.Policy) *Request {
	reqCtx, cancel := context.WithCancelCause(ctx)
	req := &Request{
		target: target,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	if policy != nil {
		if err := policy.Validate(); err != nil {
			req.finish(nil, err)
			cancel(nil)
			return req
		}
	}

	m.Lock()
	defer m.Unlock()
	if m.shutdown {
		req.finish(nil, ErrShutdown)
		cancel(ErrShutdown)
		return req
	}

	stop := context.AfterFunc(m.worker.Context(), func() {
		cancel(ErrShutdown)
	})
	m.worker.Go(func() {
		defer stop()
		defer cancel(nil)
		h, err := m.campaigns(reqCtx, target, policy)
		if h != nil && reqCtx.Err() != nil {
			h.Close()
			h, err = nil, cancelError(context.Cause(reqCtx))
		}
		req.finish(h, err)
	})
	return req
}

// Shutdown cancels every pending request and waits for them to finish.
func (m *Manager) Shutdown() {
	m.Lock()
	m.shutdown = true
	m.Unlock()

	m.worker.Halt()
}

func (m *Manager) targetState(target string) *targetState {
	m.Lock()
	defer m.Unlock()

	ts, ok := m.targets[target]
	if !ok {
		ts = &targetState{
			lock:    make(chan struct{}, 1),
			backoff: retry.NewBackoff(*m.cfg.Retry.Policy()),
		}
		m.targets[target] = ts
	}
	return ts
}

// campaigns runs campaigns to target while policy allows.  The target lock
// is held for each campaign and released while backing off.
func (m *Manager) campaigns(ctx context.Context, target string, policy *retry.Policy) (*transport.Handle, error) {
	set, err := m.proposer.Propose(target)
	if err != nil {
		if errors.Is(err, route.ErrUnknownTarget) {
			return nil, fmt.Errorf("%w: %v", ErrUnknownTarget, target)
		}
		return nil, err
	}

	ts := m.targetState(target)
	for n := 1; ; n++ {
		if err := ts.acquire(ctx); err != nil {
			return nil, cancelError(err)
		}
		if policy != nil {
			ts.backoff.SetPolicy(*policy)
		}

		h, err := m.runCampaign(ctx, m.health.Reorder(set), n)
		if err == nil {
			ts.backoff.Reset()
			ts.release()
			return h, nil
		}
		var agg *AggregateError
		if policy == nil || !errors.As(err, &agg) || ctx.Err() != nil {
			ts.release()
			return nil, err
		}
		if policy.Exhausted(n) {
			ts.release()
			return nil, fmt.Errorf("%w after %d campaigns: %w", ErrRetriesExhausted, n, agg)
		}
		delay := ts.backoff.Next()
		ts.release()

		m.log.Noticef("%v: campaign %d failed, retrying in %v", target, n, delay)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, cancelError(context.Cause(ctx))
		}
	}
}

func (m *Manager) onCampaign(ev *CampaignEvent) {
	if fn := m.callbacks.OnCampaign; fn != nil {
		fn(ev)
	}
}

func (m *Manager) onAttempt(ev *AttemptEvent) {
	if fn := m.callbacks.OnAttempt; fn != nil {
		fn(ev)
	}
}
