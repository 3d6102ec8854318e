// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package health

import (
	"sort"
	"time"

	"github.com/katzenpost/detour/hop"
	"github.com/katzenpost/detour/route"
)

// RouteStatus is the diagnostic view of one route.
type RouteStatus struct {
	Fingerprint route.Fingerprint `json:"fingerprint"`
	Route       string            `json:"route"`

	// Known is false for a route that has not been attempted yet.
	Known               bool            `json:"known"`
	Success             bool            `json:"success"`
	Kind                hop.FailureKind `json:"kind,omitempty"`
	At                  time.Time       `json:"at,omitempty"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
}

// TargetStatus is the current route order of one target.
type TargetStatus struct {
	Target string         `json:"target"`
	Routes []*RouteStatus `json:"routes"`
}

// Snapshot is a read-only copy of the tracker state, for diagnostics.
type Snapshot struct {
	Taken   time.Time       `json:"taken"`
	Targets []*TargetStatus `json:"targets"`
}

// Snapshot returns every target in name order, each with its routes in
// the order of the last Reorder call.  Routes with a record that were not
// part of that order follow it.
func (t *Tracker) Snapshot() *Snapshot {
	t.Lock()
	defer t.Unlock()

	s := &Snapshot{Taken: t.now()}
	names := make([]string, 0, len(t.targets))
	for name := range t.targets {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		th := t.targets[name]
		ts := &TargetStatus{Target: name}
		seen := make(map[route.Fingerprint]bool)
		add := func(fp route.Fingerprint) {
			if seen[fp] {
				return
			}
			seen[fp] = true
			st := &RouteStatus{Fingerprint: fp, Route: th.names[fp]}
			if rec, ok := th.records[fp]; ok {
				st.Known = true
				st.Success = rec.Success
				st.Kind = rec.Kind
				st.At = rec.At
				st.ConsecutiveFailures = rec.ConsecutiveFailures
			}
			ts.Routes = append(ts.Routes, st)
		}
		for _, fp := range th.order {
			add(fp)
		}
		var rest []route.Fingerprint
		for fp := range th.records {
			if !seen[fp] {
				rest = append(rest, fp)
			}
		}
		sort.Slice(rest, func(i, j int) bool {
			return th.records[rest[i]].At.After(th.records[rest[j]].At)
		})
		for _, fp := range rest {
			add(fp)
		}
		s.Targets = append(s.Targets, ts)
	}
	return s
}
