//go:build !noprometheus

// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exports campaign and attempt metrics.
package instrument

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	campaigns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detour_campaigns_total",
			Help: "Number of finished campaigns",
		},
		[]string{"target", "result"},
	)
	attempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detour_attempts_total",
			Help: "Number of finished attempts",
		},
		[]string{"target", "strategy", "kind"},
	)
	campaignDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "detour_campaign_duration_seconds",
			Help:    "Time from the first launch to the end of a campaign",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"target"},
	)
)

func init() {
	prometheus.MustRegister(campaigns)
	prometheus.MustRegister(attempts)
	prometheus.MustRegister(campaignDuration)
}

// Handler returns the HTTP handler serving the metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Campaign records a finished campaign.
func Campaign(target, result string, d time.Duration) {
	campaigns.With(prometheus.Labels{"target": target, "result": result}).Inc()
	campaignDuration.With(prometheus.Labels{"target": target}).Observe(d.Seconds())
}

// Attempt records a finished attempt.
func Attempt(target, strategy, kind string) {
	attempts.With(prometheus.Labels{"target": target, "strategy": strategy, "kind": kind}).Inc()
}
