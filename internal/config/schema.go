package config

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

// SchemaID identifies the atlas config schema.
const SchemaID = "https://github.com/haasonsaas/atlas/schemas/atlas.config.json"

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// JSONSchema returns the JSON Schema of an atlas config file, with
// properties named by their yaml keys.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag:   "yaml",
			DoNotReference: true,
		}
		schema := r.Reflect(&Config{})
		schema.ID = jsonschema.ID(SchemaID)
		schema.Title = "atlas configuration"
		schema.Description = "Config file read by `atlas serve` and `atlas chat` (YAML or JSON5)."
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}
