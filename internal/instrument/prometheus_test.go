//go:build !noprometheus

// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package instrument

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	require := require.New(t)

	Campaign("metrics-test", "won", 150*time.Millisecond)
	Attempt("metrics-test", "direct", "tls")
	Attempt("metrics-test", "direct", "tls")

	require.Equal(1.0, testutil.ToFloat64(campaigns.WithLabelValues("metrics-test", "won")))
	require.Equal(2.0, testutil.ToFloat64(attempts.WithLabelValues("metrics-test", "direct", "tls")))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.True(strings.Contains(rec.Body.String(), "detour_campaign_duration_seconds"))
}
