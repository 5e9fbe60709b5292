// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package seed

import (
	"encoding/json"
	"reflect"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/pulsarhq/pulsar/internal/access/rules/types"
)

// SchemaID is the published location of the seed file schema.
const SchemaID = "https://pulsar.dev/schemas/seed.schema.json"

var scopeType = reflect.TypeOf(types.ScopeGlobal)

var compiled = sync.OnceValues(compileSchema)

// GenerateSchema returns the JSON Schema for seed files, indented for
// checking in next to the code that reads them.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference:             true,
		FieldNameTag:               "yaml",
		RequiredFromJSONSchemaTags: true,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t != scopeType {
				return nil
			}
			enum := make([]any, 0, 5)
			for s := types.ScopeGlobal; s <= types.ScopeAdmin; s++ {
				enum = append(enum, s.String())
			}
			return &jsonschema.Schema{Type: "string", Enum: enum}
		},
	}
	schema := r.Reflect(&File{})
	schema.ID = jsonschema.ID(SchemaID)
	schema.Title = "Pulsar rules seed"
	schema.Description = "Permission catalog, role graph and subject assignments applied by pulsar-rules seed"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, oops.In("seed").Wrapf(err, "marshal schema")
	}
	return data, nil
}

// ValidateSchema checks a YAML seed document against the seed schema.
// Unknown keys are rejected, so a misspelled field fails here rather than
// being silently dropped.
func ValidateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return oops.In("seed").Code(types.CodeInvalidRequest).Wrapf(err, "invalid YAML")
	}
	if doc == nil {
		doc = map[string]any{}
	}

	sch, err := compiled()
	if err != nil {
		return err
	}
	if err := sch.Validate(doc); err != nil {
		return oops.In("seed").Code(types.CodeInvalidRequest).Wrapf(err, "seed does not match schema")
	}
	return nil
}

func compileSchema() (*jschema.Schema, error) {
	raw, err := GenerateSchema()
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, oops.In("seed").Wrapf(err, "parse schema")
	}

	c := jschema.NewCompiler()
	if err := c.AddResource("seed.schema.json", doc); err != nil {
		return nil, oops.In("seed").Wrapf(err, "add schema resource")
	}
	sch, err := c.Compile("seed.schema.json")
	if err != nil {
		return nil, oops.In("seed").Wrapf(err, "compile schema")
	}
	return sch, nil
}
