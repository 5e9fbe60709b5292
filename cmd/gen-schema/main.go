// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

// Command gen-schema writes the JSON Schema for rules seed files, for
// editors and CI linters that check seed YAML before it reaches the engine.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pulsarhq/pulsar/internal/access/rules/seed"
)

func main() {
	out := flag.String("o", filepath.Join("schemas", "seed.schema.json"), "output path")
	flag.Parse()

	if err := write(*out); err != nil {
		fmt.Fprintf(os.Stderr, "gen-schema: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Generated %s\n", *out)
}

func write(path string) error {
	schema, err := seed.GenerateSchema()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(path, append(schema, '\n'), 0o600); err != nil {
		return fmt.Errorf("write schema: %w", err)
	}
	return nil
}
