// Package tools holds helpers shared by the assistant's local tools.
package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// SchemaFor reflects the JSON Schema of a tool's parameter struct. Nested
// types are inlined and extra properties are tolerated, since assistants
// occasionally echo fields they were not asked for.
func SchemaFor(params any) json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	schema := r.Reflect(params)
	schema.Version = ""
	schema.ID = ""
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}
