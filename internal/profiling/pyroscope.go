// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

//go:build pyroscope

// Package profiling optionally ships continuous profiles to a Pyroscope
// server.
package profiling

import (
	"errors"
	"os"

	"github.com/grafana/pyroscope-go"
	"gopkg.in/op/go-logging.v1"
)

// Enabled is true when profiling support is compiled in.
const Enabled = true

// Start begins profiling, configured from the environment.  The returned
// function flushes and stops the profiler.
func Start(log *logging.Logger, appName string) (func(), error) {
	serverAddress := os.Getenv("PYROSCOPE_SERVER_ADDRESS")
	if serverAddress == "" {
		return nil, errors.New("profiling: PYROSCOPE_SERVER_ADDRESS is not set")
	}
	if name := os.Getenv("PYROSCOPE_APP_NAME"); name != "" {
		appName = name
	}
	tags := map[string]string{}
	if host, err := os.Hostname(); err == nil {
		tags["hostname"] = host
	}

	p, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: appName,
		ServerAddress:   serverAddress,
		Logger:          pyroscope.StandardLogger,
		Tags:            tags,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileGoroutines,
		},
	})
	if err != nil {
		return nil, err
	}
	log.Noticef("Profiling '%v' to %v", appName, serverAddress)
	return func() {
		if err := p.Stop(); err != nil {
			log.Warningf("Failed to stop profiler: %v", err)
		}
	}, nil
}
