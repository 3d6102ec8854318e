// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package health remembers recent route outcomes and uses them to reorder
// the routes proposed for a target.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/katzenpost/detour/config"
	"github.com/katzenpost/detour/hop"
	"github.com/katzenpost/detour/route"
)

// Outcome is the result of one attempt over a route.
type Outcome struct {
	Success bool

	// Kind is the failure kind, and is ignored on success.
	Kind hop.FailureKind
}

// Record is the health of a single route.
type Record struct {
	Fingerprint         route.Fingerprint
	Success             bool
	Kind                hop.FailureKind
	At                  time.Time
	ConsecutiveFailures int
}

type targetHealth struct {
	records map[route.Fingerprint]*Record
	names   map[route.Fingerprint]string
	order   []route.Fingerprint
}

// Tracker is the in-memory route health store.  It is owned by whoever
// creates it, and lives only as long as the process.
type Tracker struct {
	sync.Mutex

	window      time.Duration
	demoteAfter int
	now         func() time.Time

	targets map[string]*targetHealth
}

// New returns an empty Tracker.
func New(cfg *config.Health) *Tracker {
	return &Tracker{
		window:      config.Duration(cfg.RecencyWindowMs),
		demoteAfter: cfg.DemoteAfter,
		now:         time.Now,
		targets:     make(map[string]*targetHealth),
	}
}

func (t *Tracker) target(name string) *targetHealth {
	th, ok := t.targets[name]
	if !ok {
		th = &targetHealth{
			records: make(map[route.Fingerprint]*Record),
			names:   make(map[route.Fingerprint]string),
		}
		t.targets[name] = th
	}
	return th
}

// Record stores the outcome of an attempt over r.  Cancelled attempts say
// nothing about the route and are not recorded.
func (t *Tracker) Record(r *route.Route, o Outcome) {
	if !o.Success && o.Kind == hop.Cancelled {
		return
	}

	t.Lock()
	defer t.Unlock()

	th := t.target(r.Target())
	fp := r.Fingerprint()
	th.names[fp] = r.String()
	rec, ok := th.records[fp]
	if !ok {
		rec = &Record{Fingerprint: fp}
		th.records[fp] = rec
	}
	rec.Success = o.Success
	rec.At = t.now()
	if o.Success {
		rec.Kind = 0
		rec.ConsecutiveFailures = 0
	} else {
		rec.Kind = o.Kind
		rec.ConsecutiveFailures++
	}
}

// Lookup returns a copy of the record of fp under target, if any.
func (t *Tracker) Lookup(target string, fp route.Fingerprint) (Record, bool) {
	t.Lock()
	defer t.Unlock()

	th, ok := t.targets[target]
	if !ok {
		return Record{}, false
	}
	rec, ok := th.records[fp]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

const (
	rankSticky = iota
	rankNormal
	rankDemoted
)

// Reorder returns a copy of set with routes that recently succeeded moved
// to the front, most recent first, and routes that keep failing moved to
// the back.  Every route is kept, and ties keep the provider's order.
func (t *Tracker) Reorder(set *route.RouteSet) *route.RouteSet {
	t.Lock()
	defer t.Unlock()

	out := set.Clone()
	th := t.target(set.Target)
	now := t.now()

	rank := func(r *route.Route) (int, time.Time) {
		rec, ok := th.records[r.Fingerprint()]
		switch {
		case !ok:
			return rankNormal, time.Time{}
		case rec.Success && now.Sub(rec.At) <= t.window:
			return rankSticky, rec.At
		case !rec.Success && t.demoteAfter > 0 && rec.ConsecutiveFailures >= t.demoteAfter:
			return rankDemoted, time.Time{}
		default:
			return rankNormal, time.Time{}
		}
	}
	sort.SliceStable(out.Routes, func(i, j int) bool {
		ri, ti := rank(out.Routes[i])
		rj, tj := rank(out.Routes[j])
		if ri != rj {
			return ri < rj
		}
		return ti.After(tj)
	})

	th.order = out.Fingerprints()
	for _, r := range out.Routes {
		th.names[r.Fingerprint()] = r.String()
	}
	return out
}
