package tools

import (
	"encoding/json"
	"testing"
)

type point struct {
	Latitude string `json:"latitude" jsonschema_description:"Latitude coordinate"`
	Value    string `json:"value,omitempty"`
}

type params struct {
	Query  string  `json:"query" jsonschema_description:"What to look for"`
	Points []point `json:"points"`
}

func TestSchemaFor(t *testing.T) {
	var schema struct {
		Schema     string                     `json:"$schema"`
		Type       string                     `json:"type"`
		Required   []string                   `json:"required"`
		Properties map[string]json.RawMessage `json:"properties"`
		Defs       map[string]json.RawMessage `json:"$defs"`
	}
	if err := json.Unmarshal(SchemaFor(&params{}), &schema); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if schema.Schema != "" || len(schema.Defs) != 0 {
		t.Fatalf("schema carries $schema or $defs: %+v", schema)
	}
	if schema.Type != "object" {
		t.Fatalf("type = %q", schema.Type)
	}
	if len(schema.Required) != 2 {
		t.Fatalf("required = %v", schema.Required)
	}

	var query struct {
		Type        string `json:"type"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(schema.Properties["query"], &query); err != nil {
		t.Fatalf("unmarshal query: %v", err)
	}
	if query.Type != "string" || query.Description != "What to look for" {
		t.Fatalf("query = %+v", query)
	}

	var points struct {
		Type  string `json:"type"`
		Items struct {
			Type     string   `json:"type"`
			Required []string `json:"required"`
		} `json:"items"`
	}
	if err := json.Unmarshal(schema.Properties["points"], &points); err != nil {
		t.Fatalf("unmarshal points: %v", err)
	}
	if points.Type != "array" || points.Items.Type != "object" {
		t.Fatalf("points = %+v", points)
	}
	if len(points.Items.Required) != 1 || points.Items.Required[0] != "latitude" {
		t.Fatalf("item required = %v", points.Items.Required)
	}
}
