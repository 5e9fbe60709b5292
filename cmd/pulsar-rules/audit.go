// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/pulsarhq/pulsar/internal/access/rules/audit"
	"github.com/pulsarhq/pulsar/internal/access/rules/types"
)

// auditConfig holds the query flags of the audit command.
type auditConfig struct {
	subject    string
	resource   string
	permission string
	effect     string
	kind       string
	moderation bool
	since      time.Duration
	limit      int
	jsonOutput bool
}

func newAuditCmd(deps *Deps) *cobra.Command {
	cfg := &auditConfig{}

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit log",
		Long: `Print audit records, newest first. --permission accepts a glob with '.'
as separator: "forum.*" matches forum.view, "forum.**" also matches
forum.post.delete.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAudit(cmd, deps, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.subject, "subject", "", "only records about this subject")
	cmd.Flags().StringVar(&cfg.resource, "resource", "", "only records at this resource (e.g. forum:12)")
	cmd.Flags().StringVar(&cfg.permission, "permission", "", "permission glob")
	cmd.Flags().StringVar(&cfg.effect, "effect", "", "allow or deny")
	cmd.Flags().StringVar(&cfg.kind, "kind", "", "decision or mutation")
	cmd.Flags().BoolVar(&cfg.moderation, "moderation", false, "only moderation-sensitive records")
	cmd.Flags().DurationVar(&cfg.since, "since", 0, "only records newer than this (e.g. 24h)")
	cmd.Flags().IntVar(&cfg.limit, "limit", 50, "maximum records to print (0 = all)")
	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output records as JSON lines")

	return cmd
}

func (c *auditConfig) filter(now time.Time) (audit.Filter, error) {
	f := audit.Filter{
		Subject:        c.subject,
		Resource:       c.resource,
		Permission:     c.permission,
		ModerationOnly: c.moderation,
		Limit:          c.limit,
	}
	if c.limit < 0 {
		return f, oops.Code(types.CodeInvalidRequest).With("limit", c.limit).Errorf("limit must not be negative")
	}
	if c.effect != "" {
		e, err := types.ParseEffect(c.effect)
		if err != nil {
			return f, err
		}
		f.Effect = &e
	}
	switch k := audit.Kind(c.kind); k {
	case "", audit.KindDecision, audit.KindMutation:
		f.Kind = k
	default:
		return f, oops.Code(types.CodeInvalidRequest).With("kind", c.kind).Errorf("kind must be decision or mutation")
	}
	if c.since > 0 {
		f.Since = now.Add(-c.since)
	}
	return f, nil
}

func runAudit(cmd *cobra.Command, deps *Deps, ac *auditConfig) error {
	f, err := ac.filter(time.Now())
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context(), cfg, deps, true)
	if err != nil {
		return err
	}
	defer a.Close()

	recs, err := a.engine.QueryAuditLog(cmd.Context(), f)
	if err != nil {
		return err
	}

	if ac.jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, r := range recs {
			if err := enc.Encode(r); err != nil {
				return oops.Wrap(err)
			}
		}
		return nil
	}
	return printAuditTable(cmd, recs)
}

func printAuditTable(cmd *cobra.Command, recs []audit.Record) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tACTION\tACTOR\tSUBJECT\tRESOURCE\tPERMISSION\tEFFECT\tRATIONALE")
	for _, r := range recs {
		effect, rationale := "-", "-"
		if r.Kind == audit.KindDecision {
			effect = r.Effect.String()
			if r.Rationale != nil {
				rationale = r.Rationale.Kind.String()
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Timestamp.UTC().Format(time.RFC3339),
			r.Kind,
			r.Action,
			dash(r.Actor),
			dash(r.Subject),
			dash(r.Resource),
			dash(r.Permission),
			effect,
			rationale,
		)
	}
	if err := w.Flush(); err != nil {
		return oops.Wrap(err)
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
