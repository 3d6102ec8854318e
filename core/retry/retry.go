// retry.go - Exponential backoff and address family filtering.
// Copyright (C) 2026  Katzenpost Developers.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package retry provides the exponential backoff used between connection
// campaigns, and the address family filtering used when resolving.
package retry

import (
	"errors"
	"math"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// DefaultMaxAttempts is the default number of campaigns run by a
	// retrying connect before giving up.
	DefaultMaxAttempts = 10

	// DefaultBaseDelay is the default delay after the first failed campaign.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay is the default ceiling on the delay between campaigns.
	DefaultMaxDelay = 10 * time.Second

	// DefaultJitter is the default jitter factor (0.0 to 1.0).
	DefaultJitter = 0.2
)

// Delay calculates the delay for a given retry attempt using exponential
// backoff with jitter.  The result never exceeds maxDelay.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if jitter > 0 {
		r := rand.NewMath()
		delay *= 1 - jitter + r.Float64()*2*jitter
	}
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	return time.Duration(delay)
}

// Policy bounds a retrying connect.
type Policy struct {
	// MaxAttempts is the number of campaigns to run before reporting a
	// terminal failure.  Zero means retry until cancelled.
	MaxAttempts int

	// BaseDelay is the delay after the first failed campaign.
	BaseDelay time.Duration

	// MaxDelay is the ceiling on the delay between campaigns.
	MaxDelay time.Duration

	// Jitter is the fraction of the delay randomized in either direction.
	Jitter float64
}

// DefaultPolicy returns a Policy populated with the package defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      DefaultJitter,
	}
}

// Validate checks the policy for sanity.
func (p *Policy) Validate() error {
	switch {
	case p.MaxAttempts < 0:
		return errors.New("retry: MaxAttempts must not be negative")
	case p.BaseDelay <= 0:
		return errors.New("retry: BaseDelay must be positive")
	case p.MaxDelay < p.BaseDelay:
		return errors.New("retry: MaxDelay must be at least BaseDelay")
	case p.Jitter < 0 || p.Jitter >= 1:
		return errors.New("retry: Jitter must be in [0, 1)")
	}
	return nil
}

// Exhausted returns true if attempts campaigns use up the policy.
func (p *Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Backoff is the inter-campaign delay state of a single target.  Successive
// calls to Next never return a shorter delay than the previous call, even
// with jitter, until Reset is called.
type Backoff struct {
	sync.Mutex

	policy  Policy
	attempt int
	last    time.Duration
}

// NewBackoff returns a Backoff following policy.
func NewBackoff(policy Policy) *Backoff {
	return &Backoff{policy: policy}
}

// Next returns the delay to wait before the next campaign and advances the
// state.
func (b *Backoff) Next() time.Duration {
	b.Lock()
	defer b.Unlock()

	d := Delay(b.policy.BaseDelay, b.policy.MaxDelay, b.policy.Jitter, b.attempt)
	if d < b.last {
		d = b.last
	}
	b.last = d
	if b.attempt < 62 {
		b.attempt++
	}
	return d
}

// Reset returns the state to the minimum delay, and is called after a
// successful campaign.
func (b *Backoff) Reset() {
	b.Lock()
	defer b.Unlock()
	b.attempt = 0
	b.last = 0
}

// SetPolicy replaces the policy without resetting the progression.
func (b *Backoff) SetPolicy(policy Policy) {
	b.Lock()
	defer b.Unlock()
	b.policy = policy
	if b.last > policy.MaxDelay {
		b.last = policy.MaxDelay
	}
}

// DetectAddressCapabilities reports whether IPv4 and/or IPv6 addresses are
// present in addrs.
func DetectAddressCapabilities(addrs []netip.Addr) (hasIPv4, hasIPv6 bool) {
	for _, a := range addrs {
		if a.Unmap().Is4() {
			hasIPv4 = true
		} else {
			hasIPv6 = true
		}
	}
	return
}

// FilterUsableAddresses drops addresses of a disabled family, and orders the
// remainder with the preferred family first.  The relative order within a
// family is preserved.
func FilterUsableAddresses(addrs []netip.Addr, preferIPv6, disableIPv4, disableIPv6 bool) []netip.Addr {
	var v4, v6 []netip.Addr
	for _, a := range addrs {
		a = a.Unmap()
		if a.Is4() {
			if !disableIPv4 {
				v4 = append(v4, a)
			}
		} else if !disableIPv6 {
			v6 = append(v6, a)
		}
	}
	if preferIPv6 {
		return append(v6, v4...)
	}
	return append(v4, v6...)
}

// IsLiteralAddress returns true if host is an IP address rather than a
// name, in which case resolution can be skipped.
func IsLiteralAddress(host string) bool {
	return net.ParseIP(host) != nil
}
