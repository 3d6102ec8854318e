// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package hop

import (
	"context"
	"errors"
	"fmt"

	"github.com/katzenpost/detour/route"
)

// FailureKind classifies why a hop, and therefore an attempt, failed.
type FailureKind uint8

const (
	Resolution FailureKind = iota + 1
	Transport
	TLS
	ProxyRejected
	HandshakeFailed
	Timeout
	Cancelled
)

func (k FailureKind) String() string {
	switch k {
	case 0:
		return "none"
	case Resolution:
		return "resolution"
	case Transport:
		return "transport"
	case TLS:
		return "tls"
	case ProxyRejected:
		return "proxy-rejected"
	case HandshakeFailed:
		return "handshake-failed"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("[BUG: unknown failure kind %d]", uint8(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k FailureKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// DetailIdentityMismatch is the TLS sub-kind for a peer that is not who
// the route expected: an untrusted, misnamed or unpinned certificate.
const DetailIdentityMismatch = "identity-mismatch"

// Failure is a classified hop failure.
type Failure struct {
	Kind   FailureKind
	Detail string
	Hop    route.HopKind
	Err    error
}

func (f *Failure) Error() string {
	s := "hop"
	if f.Hop != 0 {
		s += "/" + f.Hop.String()
	}
	s += ": " + f.Kind.String()
	if f.Detail != "" {
		s += " (" + f.Detail + ")"
	}
	if f.Err != nil {
		s += ": " + f.Err.Error()
	}
	return s
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// IdentityMismatch returns true for a TLS identity mismatch.
func (f *Failure) IdentityMismatch() bool {
	return f.Kind == TLS && f.Detail == DetailIdentityMismatch
}

// KindOf returns the failure kind of err.  Context errors map to Timeout
// and Cancelled, and anything unclassified is a Transport failure.
func KindOf(err error) FailureKind {
	var f *Failure
	switch {
	case errors.As(err, &f):
		return f.Kind
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, context.Canceled):
		return Cancelled
	default:
		return Transport
	}
}

func asFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Kind: KindOf(err), Err: err}
}
