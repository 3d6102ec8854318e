// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !pyroscope

package profiling

import "gopkg.in/op/go-logging.v1"

// Enabled is true when profiling support is compiled in.
const Enabled = false

// Start does nothing without the pyroscope build tag.
func Start(log *logging.Logger, appName string) (func(), error) {
	log.Debugf("Profiling is not compiled in")
	return func() {}, nil
}
