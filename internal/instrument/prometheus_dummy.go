//go:build noprometheus

// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exports campaign and attempt metrics.
package instrument

import (
	"net/http"
	"time"
)

// Handler returns the HTTP handler serving the metrics.
func Handler() http.Handler {
	return http.NotFoundHandler()
}

// Campaign records a finished campaign.
func Campaign(target, result string, d time.Duration) {}

// Attempt records a finished attempt.
func Attempt(target, strategy, kind string) {}
