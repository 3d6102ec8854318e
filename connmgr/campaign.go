// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/katzenpost/detour/config"
	"github.com/katzenpost/detour/core/worker"
	"github.com/katzenpost/detour/health"
	"github.com/katzenpost/detour/internal/instrument"
	"github.com/katzenpost/detour/route"
	"github.com/katzenpost/detour/transport"
)

// CampaignState is the state of one campaign.
type CampaignState uint8

const (
	StateIdle CampaignState = iota
	StateLaunching
	StateRacing
	StateWon
	StateAllFailed
	StateCancelled
)

func (s CampaignState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLaunching:
		return "launching"
	case StateRacing:
		return "racing"
	case StateWon:
		return "won"
	case StateAllFailed:
		return "all-failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("[BUG: unknown campaign state %d]", uint8(s))
	}
}

// CampaignEvent reports a campaign state transition.
type CampaignEvent struct {
	Target string

	// Campaign is the 1-based campaign number within a request.
	Campaign int
	State    CampaignState
	Routes   int

	// Winner is set in StateWon.
	Winner route.Fingerprint

	// Err is set in StateAllFailed and StateCancelled.
	Err error

	// CensorshipLikely is set when direct routes were cut off while an
	// indirect route won or got further.
	CensorshipLikely bool

	Elapsed time.Duration
}

// AttemptEvent reports the end of one attempt.
type AttemptEvent struct {
	Target      string
	Campaign    int
	Fingerprint route.Fingerprint
	Strategy    route.Strategy
	Route       string

	// Err is nil on success.
	Err      *AttemptError
	Duration time.Duration
}

type campaign struct {
	m      *Manager
	target string
	number int
	routes []*route.Route
	start  time.Time
	state  CampaignState
}

func (c *campaign) transition(state CampaignState, ev *CampaignEvent) {
	c.state = state
	if ev == nil {
		ev = &CampaignEvent{}
	}
	ev.Target = c.target
	ev.Campaign = c.number
	ev.State = state
	ev.Routes = len(c.routes)
	ev.Elapsed = time.Since(c.start)
	c.m.onCampaign(ev)
}

func (c *campaign) attemptDone(res *attemptResult) {
	ev := &AttemptEvent{
		Target:      c.target,
		Campaign:    c.number,
		Fingerprint: res.route.Fingerprint(),
		Strategy:    res.route.Strategy(),
		Route:       res.route.String(),
		Err:         res.err,
		Duration:    res.duration,
	}
	c.m.onAttempt(ev)
}

// runCampaign races the routes of set, in order, and returns the first
// transport to complete.  Every attempt it launched has returned by the
// time it does.
func (m *Manager) runCampaign(ctx context.Context, set *route.RouteSet, number int) (*transport.Handle, error) {
	c := &campaign{
		m:      m,
		target: set.Target,
		number: number,
		routes: set.Routes,
		start:  time.Now(),
	}
	n := len(c.routes)
	if n == 0 {
		return nil, newAggregateError(c.target, nil)
	}

	if d := config.Duration(m.cfg.Timeouts.CampaignMs); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	scope := worker.New(ctx)
	defer scope.Halt()

	results := make(chan *attemptResult, n)
	stagger := config.Duration(m.cfg.Campaign.StaggerMs)
	maxInFlight := m.cfg.Campaign.MaxConcurrentAttempts
	if maxInFlight <= 0 {
		maxInFlight = n
	}
	timer := time.NewTimer(stagger)
	defer timer.Stop()

	var (
		next     int
		inFlight int
		failed   []*attemptResult
		winner   *attemptResult
	)
	launch := func() {
		r := c.routes[next]
		next++
		inFlight++
		m.log.Debugf("%v: campaign %d: launching %v: %v", c.target, c.number, r.Fingerprint(), r)
		scope.Go(func() {
			results <- m.attempt(scope.Context(), r)
		})
		timer.Reset(stagger)
		if next == n {
			c.transition(StateRacing, nil)
		}
	}
	canLaunch := func() bool {
		return winner == nil && ctx.Err() == nil && next < n && inFlight < maxInFlight
	}

	c.transition(StateLaunching, nil)
	launch()
	for inFlight > 0 {
		var staggerCh <-chan time.Time
		if canLaunch() {
			staggerCh = timer.C
		}

		select {
		case <-staggerCh:
			launch()
		case res := <-results:
			inFlight--
			switch {
			case res.handle == nil:
				if winner == nil {
					failed = append(failed, res)
				}
			case winner == nil && ctx.Err() == nil:
				winner = res
				scope.Halt()
			default:
				// Lost the race, or completed after the campaign was
				// cancelled or timed out.
				res.handle.Close()
				res.handle = nil
				res.err = lateFailure(ctx, res.route)
				if winner == nil {
					failed = append(failed, res)
				}
			}
			c.attemptDone(res)

			// A failure frees a slot for the next candidate without
			// waiting out the stagger interval.
			if res.handle == nil && canLaunch() {
				launch()
			}
		}
	}

	return m.settle(ctx, c, winner, failed)
}

func lateFailure(ctx context.Context, r *route.Route) *AttemptError {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	f := classify(cause, cause)
	f.Hop = r.Hop(r.Len() - 1).Kind()
	return &AttemptError{
		Fingerprint: r.Fingerprint(),
		Strategy:    r.Strategy(),
		Route:       r.String(),
		HopIndex:    r.Len() - 1,
		Err:         f,
	}
}

// attempt runs r once a global attempt slot is available.
func (m *Manager) attempt(ctx context.Context, r *route.Route) *attemptResult {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		f := classify(err, context.Cause(ctx))
		f.Hop = r.Hop(0).Kind()
		return &attemptResult{
			route: r,
			err: &AttemptError{
				Fingerprint: r.Fingerprint(),
				Strategy:    r.Strategy(),
				Route:       r.String(),
				Err:         f,
			},
		}
	}
	defer m.sem.Release(1)

	res := m.exec.run(ctx, r)
	kind := "success"
	if res.err != nil {
		kind = res.err.Kind().String()
	}
	instrument.Attempt(r.Target(), r.Strategy().String(), kind)
	return res
}

// settle records the outcome of a finished campaign.  A campaign that was
// cancelled by the caller records nothing.
func (m *Manager) settle(ctx context.Context, c *campaign, winner *attemptResult, failed []*attemptResult) (*transport.Handle, error) {
	attempts := make([]*AttemptError, 0, len(failed))
	for _, res := range failed {
		attempts = append(attempts, res.err)
	}

	if winner != nil {
		m.health.Record(winner.route, health.Outcome{Success: true})
		for _, res := range failed {
			m.health.Record(res.route, health.Outcome{Kind: res.err.Kind()})
		}
		indirect := winner.route.Strategy() != route.StrategyDirect
		m.log.Infof("%v: campaign %d won by %v (%v) after %v", c.target, c.number, winner.route.Fingerprint(), winner.route.Strategy(), time.Since(c.start))
		c.transition(StateWon, &CampaignEvent{
			Winner:           winner.route.Fingerprint(),
			CensorshipLikely: censorshipLikely(attempts, indirect),
		})
		instrument.Campaign(c.target, StateWon.String(), time.Since(c.start))
		return winner.handle, nil
	}

	if cause := context.Cause(ctx); ctx.Err() != nil && !errors.Is(cause, context.DeadlineExceeded) {
		err := cancelError(cause)
		m.log.Infof("%v: campaign %d cancelled: %v", c.target, c.number, err)
		c.transition(StateCancelled, &CampaignEvent{Err: err})
		instrument.Campaign(c.target, StateCancelled.String(), time.Since(c.start))
		return nil, err
	}

	agg := newAggregateError(c.target, attempts)
	for _, res := range failed {
		m.health.Record(res.route, health.Outcome{Kind: res.err.Kind()})
	}
	m.log.Warningf("%v", agg)
	c.transition(StateAllFailed, &CampaignEvent{
		Err:              agg,
		CensorshipLikely: agg.CensorshipLikely(),
	})
	instrument.Campaign(c.target, StateAllFailed.String(), time.Since(c.start))
	return nil, agg
}

// cancelError maps the cause of a finished context to the error reported
// to the caller.
func cancelError(cause error) error {
	switch {
	case errors.Is(cause, ErrShutdown):
		return ErrShutdown
	case errors.Is(cause, context.DeadlineExceeded):
		return fmt.Errorf("connmgr: %w", cause)
	default:
		return ErrCancelled
	}
}
