// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/pulsarhq/pulsar/internal/access"
	"github.com/pulsarhq/pulsar/internal/access/rules"
	"github.com/pulsarhq/pulsar/internal/access/rules/hierarchy"
	"github.com/pulsarhq/pulsar/internal/access/rules/types"
)

// checkResult is the JSON form of a diagnostic evaluation. Role ids are
// resolved to names.
type checkResult struct {
	Subject    string          `json:"subject"`
	Resource   string          `json:"resource"`
	Permission string          `json:"permission"`
	Effect     types.Effect    `json:"effect"`
	Rationale  types.Rationale `json:"rationale"`
	Role       string          `json:"role,omitempty"`
	SourceRole string          `json:"source_role,omitempty"`
}

func newCheckCmd(deps *Deps) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "check SUBJECT RESOURCE PERMISSION",
		Short: "Evaluate one permission and explain the decision",
		Long: `Evaluate PERMISSION for SUBJECT at RESOURCE (e.g. "forum:12", "wiki:*",
"global") against the stored rules and print the effect and the rule that
decided it. Diagnostic evaluations are not audited.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, deps, args, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output the decision as JSON")

	return cmd
}

func runCheck(cmd *cobra.Command, deps *Deps, args []string, jsonOutput bool) error {
	resource, err := access.ParseResource(args[1])
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := openHydrated(cmd.Context(), cfg, deps, false)
	if err != nil {
		return err
	}
	defer a.Close()

	d, err := a.engine.Evaluate(cmd.Context(), args[0], resource, args[2])
	if err != nil && !rules.IsAuditFailure(err) {
		return err
	}

	res := describeDecision(d, a.engine.Hierarchy())
	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return oops.Wrap(err)
		}
		return nil
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s  %s %s at %s\n", strings.ToUpper(res.Effect.String()), res.Subject, res.Permission, res.Resource)
	fmt.Fprintf(out, "  rationale: %s\n", d.Rationale)
	if res.Role != "" {
		if res.SourceRole != "" && res.SourceRole != res.Role {
			fmt.Fprintf(out, "  role: %s (inherited from %s, distance %d)\n", res.Role, res.SourceRole, d.Rationale.Distance)
		} else {
			fmt.Fprintf(out, "  role: %s\n", res.Role)
		}
	}
	return nil
}

func describeDecision(d types.Decision, snap *hierarchy.Snapshot) checkResult {
	return checkResult{
		Subject:    d.Subject,
		Resource:   d.Resource.String(),
		Permission: d.Permission,
		Effect:     d.Effect,
		Rationale:  d.Rationale,
		Role:       roleName(snap, d.Rationale.Role),
		SourceRole: roleName(snap, d.Rationale.SourceRole),
	}
}

func roleName(snap *hierarchy.Snapshot, id types.RoleID) string {
	if id == "" {
		return ""
	}
	if r, ok := snap.Role(id); ok {
		return r.Name
	}
	return string(id)
}

func newPermissionsCmd(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "permissions SUBJECT RESOURCE",
		Short: "List every permission a subject holds at a resource",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resource, err := access.ParseResource(args[1])
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := openHydrated(cmd.Context(), cfg, deps, false)
			if err != nil {
				return err
			}
			defer a.Close()

			perms, err := a.engine.EffectivePermissions(cmd.Context(), args[0], resource)
			if err != nil {
				return err
			}
			for _, p := range perms {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}
