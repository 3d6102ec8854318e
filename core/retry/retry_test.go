// retry_test.go - Tests for backoff and address filtering.
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

package retry

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	require := require.New(t)

	baseDelay := 100 * time.Millisecond
	maxDelay := 1 * time.Second

	t.Run("exponential growth", func(t *testing.T) {
		require.Equal(100*time.Millisecond, Delay(baseDelay, maxDelay, 0, 0))
		require.Equal(200*time.Millisecond, Delay(baseDelay, maxDelay, 0, 1))
		require.Equal(400*time.Millisecond, Delay(baseDelay, maxDelay, 0, 2))
		require.Equal(800*time.Millisecond, Delay(baseDelay, maxDelay, 0, 3))
	})

	t.Run("max delay cap", func(t *testing.T) {
		require.Equal(maxDelay, Delay(baseDelay, maxDelay, 0, 10))
		for i := 0; i < 50; i++ {
			require.LessOrEqual(Delay(baseDelay, maxDelay, 0.5, 10), maxDelay)
		}
	})

	t.Run("jitter range", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			d := Delay(baseDelay, maxDelay, 0.2, 0)
			require.GreaterOrEqual(d, 80*time.Millisecond)
			require.LessOrEqual(d, 120*time.Millisecond)
		}
	})
}

func TestBackoffMonotonic(t *testing.T) {
	require := require.New(t)

	p := Policy{
		MaxAttempts: 0,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    300 * time.Millisecond,
		Jitter:      0.5,
	}
	require.NoError(p.Validate())

	for round := 0; round < 20; round++ {
		b := NewBackoff(p)
		var prev time.Duration
		for i := 0; i < 40; i++ {
			d := b.Next()
			require.GreaterOrEqual(d, prev)
			require.LessOrEqual(d, p.MaxDelay)
			prev = d
		}
		require.Equal(p.MaxDelay, prev)

		b.Reset()
		d := b.Next()
		require.GreaterOrEqual(d, 5*time.Millisecond)
		require.LessOrEqual(d, 15*time.Millisecond)
	}
}

func TestBackoffApproximateSchedule(t *testing.T) {
	require := require.New(t)

	b := NewBackoff(Policy{BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: 0.1})
	expected := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for _, want := range expected {
		d := b.Next()
		require.InDelta(float64(want), float64(d), float64(want)*0.1+1)
	}
}

func TestPolicy(t *testing.T) {
	require := require.New(t)

	p := DefaultPolicy()
	require.NoError(p.Validate())
	require.False(p.Exhausted(9))
	require.True(p.Exhausted(10))

	p.MaxAttempts = 0
	require.False(p.Exhausted(1000))

	p.Jitter = 1
	require.Error(p.Validate())

	p = DefaultPolicy()
	p.MaxDelay = p.BaseDelay / 2
	require.Error(p.Validate())
}

func TestFilterUsableAddresses(t *testing.T) {
	require := require.New(t)

	v4 := netip.MustParseAddr("192.0.2.1")
	v6 := netip.MustParseAddr("2001:db8::1")
	mapped := netip.MustParseAddr("::ffff:198.51.100.7")
	addrs := []netip.Addr{v6, v4, mapped}

	hasV4, hasV6 := DetectAddressCapabilities(addrs)
	require.True(hasV4)
	require.True(hasV6)

	require.Equal([]netip.Addr{v4, mapped.Unmap(), v6}, FilterUsableAddresses(addrs, false, false, false))
	require.Equal([]netip.Addr{v6, v4, mapped.Unmap()}, FilterUsableAddresses(addrs, true, false, false))
	require.Equal([]netip.Addr{v6}, FilterUsableAddresses(addrs, false, true, false))
	require.Empty(FilterUsableAddresses(addrs, false, true, true))

	require.True(IsLiteralAddress("2001:db8::1"))
	require.False(IsLiteralAddress("chat.example.org"))
}
