/*
GoProxLB - Intelligent Load Balancer for Proxmox Clusters
Copyright (C) 2024 GoProxLB Contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cblomart/goproxlb-autonomic/internal/app"
)

const Version = "2.0.0"

var (
	configPath  string
	daemon      bool
	once        bool
	status      bool
	checkConfig bool
	showConfig  bool

	recommendVMID int
	recommendN    int
	detailed      bool

	updateCritical []int

	serviceUser  string
	serviceGroup string
	enableUnit   bool
)

var rootCmd = &cobra.Command{
	Use:     "goproxlb",
	Short:   "Autonomic load balancer for Proxmox clusters",
	Version: Version,
	Long: `goproxlb continuously scores nodes, detects imbalance, and plans VM
migrations across a Proxmox cluster, with an optional HTTP management API
and Raft-backed HA mode for multi-instance deployments.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file path (optional, uses defaults)")

	rootCmd.Flags().BoolVar(&daemon, "daemon", false, "Run the balancer loop continuously until terminated")
	rootCmd.Flags().BoolVar(&once, "once", false, "Run a single balancing tick and exit")
	rootCmd.Flags().BoolVar(&status, "status", false, "Print cluster status and exit")
	rootCmd.Flags().BoolVar(&checkConfig, "check-config", false, "Validate the configuration and exit")
	rootCmd.Flags().BoolVar(&showConfig, "config-dump", false, "Print the redacted configuration document and exit")
	rootCmd.Flags().IntVar(&recommendVMID, "recommendations", 0, "Print migration recommendations for the given VMID and exit")
	rootCmd.Flags().IntVar(&recommendN, "count", 3, "Number of recommended targets to print")
	rootCmd.Flags().BoolVar(&detailed, "detailed", false, "Include impact analysis in recommendations output")
	rootCmd.Flags().IntSliceVar(&updateCritical, "update-critical-vms", nil, "Recompute the critical-VM list, adding the given VMIDs, and exit")

	rootCmd.MarkFlagsMutuallyExclusive("daemon", "once", "status", "check-config", "config-dump", "recommendations", "update-critical-vms")

	installCmd.Flags().StringVarP(&serviceUser, "user", "u", "goproxlb", "User to run the service as")
	installCmd.Flags().StringVarP(&serviceGroup, "group", "g", "goproxlb", "Group to run the service as")
	installCmd.Flags().BoolVarP(&enableUnit, "enable", "e", false, "Enable and start the service immediately")

	rootCmd.AddCommand(installCmd)
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install goproxlb as a systemd service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.InstallService(serviceUser, serviceGroup, configPath, enableUnit)
	},
}

func run(ctx context.Context) error {
	if checkConfig {
		return app.CheckConfig(configPath)
	}

	a, err := app.New(configPath)
	if err != nil {
		return err
	}

	switch {
	case daemon:
		return a.Daemon(ctx)
	case once:
		return a.RunOnce(ctx)
	case status:
		return a.ShowStatus(ctx)
	case showConfig:
		return a.ShowConfig()
	case recommendVMID != 0:
		return a.ShowRecommendations(recommendVMID, recommendN, detailed)
	case len(updateCritical) > 0:
		return a.UpdateCriticalVMs(ctx, updateCritical)
	default:
		return a.Daemon(ctx)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
