// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Command detour exercises the route engine against configured services.
package main

import (
	"fmt"

	"charm.land/lipgloss/v2"
	"github.com/spf13/cobra"

	"github.com/katzenpost/detour/common"
	"github.com/katzenpost/detour/config"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	failureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	headerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file must be specified with -c/--config")
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file '%v': %v", path, err)
	}
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detour",
		Short: "Censorship resistant connection establishment",
		Long: `detour proposes candidate routes to each configured service (direct,
direct QUIC, domain fronted and proxied), races them with staggered starts,
and remembers which routes work.

The probe command connects to services the way an application would and
reports which route won, which failed and why, and whether the failure
pattern looks like censorship rather than being offline.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(newProbeCommand(), newRoutesCommand(), newGenKeyCommand())
	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}
