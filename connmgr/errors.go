// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package connmgr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/katzenpost/detour/hop"
	"github.com/katzenpost/detour/route"
)

var (
	// ErrCancelled is returned when the caller cancelled a request.
	ErrCancelled = errors.New("connmgr: cancelled")

	// ErrUnknownTarget is returned for a target with no configured service.
	ErrUnknownTarget = errors.New("connmgr: unknown target")

	// ErrShutdown is returned once the manager is shutting down.
	ErrShutdown = errors.New("connmgr: shutdown")

	// ErrRetriesExhausted is returned, together with the aggregate failure
	// of the last campaign, when a retry policy runs out of campaigns.
	ErrRetriesExhausted = errors.New("connmgr: retries exhausted")
)

// AttemptError is the failure of one attempt.
type AttemptError struct {
	Fingerprint route.Fingerprint
	Strategy    route.Strategy
	Route       string

	// HopIndex is the index of the failing hop in the route.
	HopIndex int

	Err *hop.Failure
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("route %v (%v) hop %d: %v", e.Fingerprint, e.Strategy, e.HopIndex, e.Err)
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}

// Kind returns the failure kind of the attempt.
func (e *AttemptError) Kind() hop.FailureKind {
	return e.Err.Kind
}

// AggregateError is the failure of a whole campaign: one entry per
// attempted route.
type AggregateError struct {
	Target string

	// Failures maps every attempted route to its failure kind.
	Failures map[route.Fingerprint]hop.FailureKind

	// Attempts are the attempt failures in completion order.
	Attempts []*AttemptError
}

func newAggregateError(target string, attempts []*AttemptError) *AggregateError {
	e := &AggregateError{
		Target:   target,
		Failures: make(map[route.Fingerprint]hop.FailureKind, len(attempts)),
		Attempts: attempts,
	}
	for _, a := range attempts {
		e.Failures[a.Fingerprint] = a.Kind()
	}
	return e
}

func (e *AggregateError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.Fingerprint.String()+"="+a.Kind().String())
	}
	return fmt.Sprintf("connmgr: all %d routes to %v failed: %v", len(e.Attempts), e.Target, strings.Join(parts, ", "))
}

// Unwrap exposes the individual attempt failures to errors.Is/As.
func (e *AggregateError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a)
	}
	return errs
}

// Offline returns true if no route got past the local network: every
// attempt failed to resolve, connect or complete in time.
func (e *AggregateError) Offline() bool {
	if len(e.Attempts) == 0 {
		return false
	}
	for _, a := range e.Attempts {
		switch a.Kind() {
		case hop.Resolution, hop.Transport, hop.Timeout:
		default:
			return false
		}
	}
	return true
}

// CensorshipLikely returns true if every direct route was cut off at the
// transport or TLS layer while some indirect route reached further.
func (e *AggregateError) CensorshipLikely() bool {
	return censorshipLikely(e.Attempts, false)
}

func blockedKind(k hop.FailureKind) bool {
	switch k {
	case hop.Transport, hop.TLS, hop.Timeout:
		return true
	default:
		return false
	}
}

// censorshipLikely implements the heuristic shared by failed and won
// campaigns.  indirectWon is set when a fronted or proxied route won.
func censorshipLikely(attempts []*AttemptError, indirectWon bool) bool {
	var direct, indirectProgress bool
	for _, a := range attempts {
		if a.Strategy == route.StrategyDirect {
			if !blockedKind(a.Kind()) {
				return false
			}
			direct = true
			continue
		}
		switch a.Kind() {
		case hop.Resolution, hop.Transport, hop.Timeout, hop.Cancelled:
		default:
			indirectProgress = true
		}
	}
	return direct && (indirectWon || indirectProgress)
}
