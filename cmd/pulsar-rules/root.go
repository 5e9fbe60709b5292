// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/pulsarhq/pulsar/internal/config"
)

// NewRootCmd creates the root command for the pulsar-rules CLI.
func NewRootCmd() *cobra.Command {
	return newRootCmdWithDeps(nil)
}

func newRootCmdWithDeps(deps *Deps) *cobra.Command {
	deps = deps.withDefaults()

	cmd := &cobra.Command{
		Use:   "pulsar-rules",
		Short: "Pulsar rules engine",
		Long: `pulsar-rules runs and administers the permissions engine of the
Pulsar community platform: roles, grants, decisions and the audit trail.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", "", "config file path (default: XDG_CONFIG_HOME/pulsar/rules.yaml)")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(newServeCmd(deps))
	cmd.AddCommand(newMigrateCmd(deps))
	cmd.AddCommand(newSeedCmd(deps))
	cmd.AddCommand(newCheckCmd(deps))
	cmd.AddCommand(newPermissionsCmd(deps))
	cmd.AddCommand(newAuditCmd(deps))

	return cmd
}
