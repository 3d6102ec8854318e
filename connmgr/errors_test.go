// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package connmgr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/detour/hop"
	"github.com/katzenpost/detour/route"
)

func attemptErr(s route.Strategy, k hop.FailureKind) *AttemptError {
	return &AttemptError{Strategy: s, Err: &hop.Failure{Kind: k}}
}

func TestCensorshipHeuristic(t *testing.T) {
	d, p := route.StrategyDirect, route.StrategyProxied
	for _, tc := range []struct {
		name        string
		attempts    []*AttemptError
		indirectWon bool
		want        bool
	}{
		{"direct blocked, proxy won", []*AttemptError{attemptErr(d, hop.Transport)}, true, true},
		{"direct intercepted, proxy progressed", []*AttemptError{attemptErr(d, hop.TLS), attemptErr(p, hop.HandshakeFailed)}, false, true},
		{"everything unreachable", []*AttemptError{attemptErr(d, hop.Timeout), attemptErr(p, hop.Transport)}, false, false},
		{"direct unresolvable", []*AttemptError{attemptErr(d, hop.Resolution)}, true, false},
		{"no direct route", []*AttemptError{attemptErr(p, hop.HandshakeFailed)}, true, false},
		{"direct won", nil, false, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, censorshipLikely(tc.attempts, tc.indirectWon))
		})
	}
}

func TestAggregateError(t *testing.T) {
	require := require.New(t)

	empty := newAggregateError("chat", nil)
	require.False(empty.Offline())
	require.Equal("connmgr: all 0 routes to chat failed: ", empty.Error())

	a := attemptErr(route.StrategyDirect, hop.Resolution)
	b := attemptErr(route.StrategyFronted, hop.TLS)
	b.Fingerprint[0] = 1
	agg := newAggregateError("chat", []*AttemptError{a, b})
	require.Len(agg.Failures, 2)
	require.False(agg.Offline())
	require.Contains(agg.Error(), b.Fingerprint.String()+"=tls")
	require.ErrorIs(agg, error(b))
}
