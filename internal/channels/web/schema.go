package web

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaRegistry struct {
	once    sync.Once
	initErr error
	request *jsonschema.Schema
	methods map[string]*jsonschema.Schema
}

var schemas schemaRegistry

func initSchemas() error {
	schemas.once.Do(func() {
		reqSchema, err := jsonschema.CompileString("web_request", requestSchema)
		if err != nil {
			schemas.initErr = err
			return
		}
		schemas.request = reqSchema

		methods := map[string]string{
			"chat.send":    chatSendParamsSchema,
			"chat.stop":    emptyParamsSchema,
			"chat.starter": chatStarterParamsSchema,
			"ping":         emptyParamsSchema,
		}
		schemas.methods = make(map[string]*jsonschema.Schema, len(methods))
		for name, schema := range methods {
			compiled, err := jsonschema.CompileString("web_method_"+name, schema)
			if err != nil {
				schemas.initErr = err
				return
			}
			schemas.methods[name] = compiled
		}
	})
	return schemas.initErr
}

// validateRequest checks the envelope and, for known methods, the params.
func validateRequest(raw []byte, f *frame) error {
	if err := initSchemas(); err != nil {
		return err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := schemas.request.Validate(payload); err != nil {
		return err
	}
	schema := schemas.methods[f.Method]
	if schema == nil {
		return fmt.Errorf("unknown method %q", f.Method)
	}
	var params any
	if len(f.Params) == 0 {
		params = map[string]any{}
	} else if err := json.Unmarshal(f.Params, &params); err != nil {
		return err
	}
	return schema.Validate(params)
}

const requestSchema = `{
  "type": "object",
  "required": ["type", "id", "method"],
  "properties": {
    "type": { "const": "req" },
    "id": { "type": "string", "minLength": 1 },
    "method": { "type": "string", "minLength": 1 },
    "params": {}
  },
  "additionalProperties": true
}`

const emptyParamsSchema = `{
  "type": "object"
}`

const chatSendParamsSchema = `{
  "type": "object",
  "properties": {
    "content": { "type": "string" },
    "files": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "data"],
        "properties": {
          "name": { "type": "string", "minLength": 1 },
          "mimeType": { "type": "string" },
          "data": { "type": "string", "contentEncoding": "base64" }
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

const chatStarterParamsSchema = `{
  "type": "object",
  "required": ["label"],
  "properties": {
    "label": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false
}`
