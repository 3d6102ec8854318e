// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/katzenpost/detour/common"
	"github.com/katzenpost/detour/route"
)

func newRoutesCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "routes [target...]",
		Short: "List the candidate routes proposed for services",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			p := route.NewProvider(cfg)
			if len(args) == 0 {
				args = p.Targets()
			}
			return printRoutes(common.Writer(cmd.OutOrStdout()), p, args)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "configuration file")
	cmd.MarkFlagRequired("config")
	return cmd
}

func printRoutes(w io.Writer, p *route.Provider, targets []string) error {
	for _, target := range targets {
		set, err := p.Propose(target)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%v: %d route(s)", target, set.Len())))
		for i, r := range set.Routes {
			fmt.Fprintf(w, "  %2d. %v %s\n      %s\n", i+1, r.Fingerprint(), infoStyle.Render(r.Strategy().String()), dimStyle.Render(r.String()))
		}
	}
	return nil
}
