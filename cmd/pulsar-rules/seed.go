// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package main

import (
	"context"
	"os"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/pulsarhq/pulsar/internal/access"
	"github.com/pulsarhq/pulsar/internal/access/rules"
	"github.com/pulsarhq/pulsar/internal/access/rules/seed"
	"github.com/pulsarhq/pulsar/internal/config"
)

// Default timeout for seed command.
const defaultSeedTimeout = 30 * time.Second

type seedConfig struct {
	timeout time.Duration
	dryRun  bool
}

func newSeedCmd(deps *Deps) *cobra.Command {
	cfg := &seedConfig{}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load permissions, roles and subjects from a seed file",
		Long: `Registers the permissions, roles and subjects of a YAML seed file, or of
the built-in default seed when no --seed file is configured.
This command is idempotent - existing permissions and roles are skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSeed(cmd, deps, cfg)
		},
	}

	cmd.Flags().DurationVar(&cfg.timeout, "timeout", defaultSeedTimeout, "timeout for database operations (e.g., 30s, 1m)")
	cmd.Flags().BoolVar(&cfg.dryRun, "dry-run", false, "validate the seed file without applying it")

	return cmd
}

func loadSeed(cfg *config.Config) (*seed.File, error) {
	if cfg.Seed.Path == "" {
		return seed.Default()
	}
	data, err := os.ReadFile(cfg.Seed.Path)
	if err != nil {
		return nil, oops.Code("SEED_READ_FAILED").With("path", cfg.Seed.Path).Wrap(err)
	}
	f, err := seed.Parse(data)
	if err != nil {
		return nil, oops.With("path", cfg.Seed.Path).Wrap(err)
	}
	return f, nil
}

func runSeed(cmd *cobra.Command, deps *Deps, sc *seedConfig) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	f, err := loadSeed(cfg)
	if err != nil {
		return err
	}
	if sc.dryRun {
		cmd.Printf("Seed is valid: %d permissions, %d roles, %d subjects\n",
			len(f.Permissions), len(f.Roles), len(f.Subjects))
		return nil
	}

	// cmd.Context() carries SIGINT/SIGTERM cancellation.
	ctx, cancel := context.WithTimeout(cmd.Context(), sc.timeout)
	defer cancel()
	ctx = access.WithActor(ctx, "seed")

	bus, client := openBus(cfg, deps)
	var opts []rules.Option
	if bus != nil {
		defer func() { _ = client.Close() }()
		opts = append(opts, rules.WithPublisher(bus))
	}

	a, err := openHydrated(ctx, cfg, deps, true, opts...)
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := f.Apply(ctx, a.engine)
	if err != nil {
		return oops.Code("SEED_FAILED").Wrap(err)
	}

	cmd.Printf("Seeded %d permissions, %d roles, %d subjects\n", rep.Permissions, rep.Roles, rep.Subjects)
	return nil
}
