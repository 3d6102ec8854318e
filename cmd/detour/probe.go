// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/ugorji/go/codec"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/detour/common"
	"github.com/katzenpost/detour/config"
	"github.com/katzenpost/detour/connmgr"
	"github.com/katzenpost/detour/core/log"
	"github.com/katzenpost/detour/health"
	"github.com/katzenpost/detour/internal/instrument"
	"github.com/katzenpost/detour/internal/profiling"
	"github.com/katzenpost/detour/route"
	"github.com/katzenpost/detour/transport"
)

// exitUnreachable is the exit status when a target could not be reached.
const exitUnreachable = 2

type probeFlags struct {
	configFile string
	retry      bool
	json       bool
	metrics    string
	timeout    time.Duration
	verbose    bool
}

type probeResult struct {
	target   string
	elapsed  time.Duration
	strategy route.Strategy
	protocol string
	route    string
	err      error
}

func newProbeCommand() *cobra.Command {
	var f probeFlags
	cmd := &cobra.Command{
		Use:   "probe [target...]",
		Short: "Connect to services and report route health",
		Example: `  # Probe every configured service once
  detour probe -c detour.toml

  # Retry a single service with the configured backoff
  detour probe -c detour.toml --retry chat

  # Machine readable health snapshot, with metrics exported while probing
  detour probe -c detour.toml --json --metrics 127.0.0.1:9100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd.OutOrStdout(), &f, args)
		},
	}
	cmd.Flags().StringVarP(&f.configFile, "config", "c", "", "configuration file")
	cmd.Flags().BoolVar(&f.retry, "retry", false, "retry failed campaigns with the configured policy")
	cmd.Flags().BoolVar(&f.json, "json", false, "print the health snapshot as JSON")
	cmd.Flags().StringVar(&f.metrics, "metrics", "", "serve Prometheus metrics on this address while probing")
	cmd.Flags().DurationVarP(&f.timeout, "timeout", "t", 2*time.Minute, "overall probe timeout")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "report every attempt as it finishes")
	cmd.MarkFlagRequired("config")
	return cmd
}

func runProbe(w io.Writer, f *probeFlags, targets []string) error {
	cfg, err := loadConfig(f.configFile)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		targets = route.NewProvider(cfg).Targets()
	}
	for _, t := range targets {
		if cfg.Service(t) == nil {
			return fmt.Errorf("invalid argument: no service named '%v'", t)
		}
	}

	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return err
	}
	plog := logBackend.GetLogger("detour/probe")
	stopProfiling, err := profiling.Start(plog, "detour.probe")
	if err != nil {
		return err
	}
	defer stopProfiling()

	if f.metrics != "" {
		stop, err := serveMetrics(f.metrics, plog)
		if err != nil {
			return err
		}
		defer stop()
	}

	out := common.Writer(w)
	m, err := connmgr.New(cfg, logBackend, connmgr.WithCallbacks(probeCallbacks(out, f)))
	if err != nil {
		return err
	}
	defer m.Shutdown()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, f.timeout)
	defer cancelTimeout()

	if !f.json {
		fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("Probing %d service(s), Control-C to abort...", len(targets))))
	}
	results := probeAll(ctx, m, cfg, targets, f.retry)

	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
		}
	}
	if f.json {
		err = writeJSON(out, m.Health().Snapshot())
	} else {
		printResults(out, results)
		printSnapshot(out, m.Health().Snapshot())
	}
	if err != nil {
		return err
	}
	if failed > 0 {
		return &common.ExitError{
			Code: exitUnreachable,
			Err:  fmt.Errorf("%d of %d service(s) unreachable", failed, len(results)),
		}
	}
	return nil
}

// probeAll connects to every target concurrently, and closes each
// transport as soon as it is established.
func probeAll(ctx context.Context, m *connmgr.Manager, cfg *config.Config, targets []string, retry bool) []*probeResult {
	results := make([]*probeResult, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := &probeResult{target: target}
			start := time.Now()
			var h *transport.Handle
			if retry {
				h, res.err = m.ConnectWithRetry(ctx, target, cfg.Retry.Policy())
			} else {
				h, res.err = m.Connect(ctx, target)
			}
			res.elapsed = time.Since(start)
			if h != nil {
				res.strategy, res.protocol, res.route = h.Strategy(), h.Protocol(), h.Route()
				h.Close()
			}
			results[i] = res
		}()
	}
	wg.Wait()
	return results
}

func probeCallbacks(w io.Writer, f *probeFlags) connmgr.Callbacks {
	if !f.verbose || f.json {
		return connmgr.Callbacks{}
	}
	var mu sync.Mutex
	return connmgr.Callbacks{
		OnAttempt: func(ev *connmgr.AttemptEvent) {
			mu.Lock()
			defer mu.Unlock()
			if ev.Err == nil {
				fmt.Fprintf(w, "  %s %v %v %s\n", successStyle.Render("+"), ev.Target, ev.Fingerprint, dimStyle.Render(ev.Duration.Round(time.Millisecond).String()))
				return
			}
			fmt.Fprintf(w, "  %s %v %v %v %s\n", failureStyle.Render("-"), ev.Target, ev.Fingerprint, ev.Err.Err, dimStyle.Render(ev.Duration.Round(time.Millisecond).String()))
		},
		OnCampaign: func(ev *connmgr.CampaignEvent) {
			switch ev.State {
			case connmgr.StateWon, connmgr.StateAllFailed, connmgr.StateCancelled:
			default:
				return
			}
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(w, "  %s campaign %d %v\n", infoStyle.Render(ev.Target), ev.Campaign, ev.State)
		},
	}
}

func printResults(w io.Writer, results []*probeResult) {
	for _, r := range results {
		elapsed := dimStyle.Render(r.elapsed.Round(time.Millisecond).String())
		if r.err == nil {
			fmt.Fprintf(w, "%s %v via %v (%v) in %s\n", successStyle.Render("OK"), r.target, r.strategy, r.protocol, elapsed)
			fmt.Fprintf(w, "   %s\n", dimStyle.Render(r.route))
			continue
		}
		fmt.Fprintf(w, "%s %v in %s: %v\n", failureStyle.Render("FAIL"), r.target, elapsed, r.err)
		var agg *connmgr.AggregateError
		if errors.As(r.err, &agg) {
			switch {
			case agg.CensorshipLikely():
				fmt.Fprintf(w, "   %s\n", failureStyle.Render("direct routes look blocked, censorship is likely"))
			case agg.Offline():
				fmt.Fprintf(w, "   %s\n", infoStyle.Render("no route got past the local network, check connectivity"))
			}
		}
	}
}

func printSnapshot(w io.Writer, snap *health.Snapshot) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, headerStyle.Render("Route health"))
	for _, ts := range snap.Targets {
		fmt.Fprintln(w, infoStyle.Render(ts.Target))
		for i, rs := range ts.Routes {
			status := dimStyle.Render("untried")
			switch {
			case rs.Known && rs.Success:
				status = successStyle.Render("ok")
			case rs.Known:
				status = failureStyle.Render(fmt.Sprintf("%v x%d", rs.Kind, rs.ConsecutiveFailures))
			}
			fmt.Fprintf(w, "  %2d. %v %s\n      %s\n", i+1, rs.Fingerprint, status, dimStyle.Render(rs.Route))
		}
	}
}

func writeJSON(w io.Writer, snap *health.Snapshot) error {
	jsonHandle := &codec.JsonHandle{}
	jsonHandle.Indent = 2
	jsonHandle.HTMLCharsAsIs = true
	if err := codec.NewEncoder(w, jsonHandle).Encode(snap); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w)
	return err
}

func serveMetrics(addr string, log *logging.Logger) (func(), error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: %v", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", instrument.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server failed: %v", err)
		}
	}()
	log.Noticef("Serving metrics on http://%v/metrics", l.Addr())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}
