// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package connmgr

import (
	"context"
	"errors"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/detour/config"
	"github.com/katzenpost/detour/hop"
	"github.com/katzenpost/detour/route"
	"github.com/katzenpost/detour/transport"
)

// HopRunner executes a single hop.  *hop.Connector is the production
// implementation.
type HopRunner interface {
	Execute(ctx context.Context, h route.Hop, in *hop.State) (*hop.State, error)
}

var errHopBudget = errors.New("connmgr: hop budget exceeded")

type attemptResult struct {
	route    *route.Route
	handle   *transport.Handle
	err      *AttemptError
	duration time.Duration
}

type executor struct {
	runner   HopRunner
	timeouts *config.Timeouts
	log      *logging.Logger
}

func (e *executor) hopBudget(k route.HopKind) time.Duration {
	t := e.timeouts
	switch k {
	case route.KindResolve:
		return config.Duration(t.ResolveMs)
	case route.KindTCPConnect:
		return config.Duration(t.ConnectMs)
	case route.KindTLSHandshake:
		return config.Duration(t.TLSMs)
	case route.KindProxyNegotiate:
		return config.Duration(t.ProxyMs)
	case route.KindStreamUpgrade:
		return config.Duration(t.UpgradeMs)
	case route.KindQUICConnect:
		return config.Duration(t.ConnectMs + t.TLSMs)
	default:
		panic("BUG: connmgr: unhandled hop kind " + k.String())
	}
}

// run drives r's hops in order.  Whatever the outcome, every stream the
// hops opened is either inside the returned handle or closed.
func (e *executor) run(ctx context.Context, r *route.Route) *attemptResult {
	start := time.Now()
	res := &attemptResult{route: r}
	defer func() {
		res.duration = time.Since(start)
	}()

	if d := config.Duration(e.timeouts.AttemptMs); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	st := &hop.State{}
	for i, h := range r.Hops() {
		hopCtx, cancel := ctx, context.CancelFunc(func() {})
		if d := e.hopBudget(h.Kind()); d > 0 {
			hopCtx, cancel = context.WithTimeoutCause(ctx, d, errHopBudget)
		}
		hopStart := time.Now()
		next, err := e.runner.Execute(hopCtx, h, st)
		cause := context.Cause(hopCtx)
		cancel()

		if err == nil && cause != nil {
			// The hop finished as its deadline expired or the attempt was
			// cancelled.  Its output is discarded.
			closeState(next)
			err = cause
		}
		if err != nil {
			closeState(st)
			f := classify(err, cause)
			f.Hop = h.Kind()
			e.log.Debugf("%v: hop %d %v failed after %v: %v", r.Fingerprint(), i, h, time.Since(hopStart), f)
			res.err = &AttemptError{
				Fingerprint: r.Fingerprint(),
				Strategy:    r.Strategy(),
				Route:       r.String(),
				HopIndex:    i,
				Err:         f,
			}
			return res
		}
		e.log.Debugf("%v: hop %d %v done in %v", r.Fingerprint(), i, h, time.Since(hopStart))
		st = next
	}

	if st.Conn == nil {
		panic("BUG: connmgr: route ended without a stream: " + r.String())
	}
	res.handle = transport.New(st.Conn, r, st.Protocol, st.Keys)
	return res
}

// classify turns a hop error into a Failure.  A hop whose context ended is
// a Timeout or Cancelled whatever it reported itself.
func classify(err, cause error) *hop.Failure {
	var f *hop.Failure
	if !errors.As(err, &f) {
		f = &hop.Failure{Kind: hop.KindOf(err), Err: err}
	} else {
		cp := *f
		f = &cp
	}
	switch {
	case cause == nil:
	case errors.Is(cause, errHopBudget), errors.Is(cause, context.DeadlineExceeded):
		f.Kind = hop.Timeout
	default:
		f.Kind = hop.Cancelled
	}
	return f
}

func closeState(st *hop.State) {
	if st != nil && st.Conn != nil {
		st.Conn.Close()
	}
}
