package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request envelopes are schema-checked before decoding. The schemas cover
// envelope shape only (required identifiers, field types); per-operation
// field checks happen in the engine so a bad op is reported inline without
// failing its siblings.
const pushRequestSchema = `{
	"type": "object",
	"required": ["facilityId", "deviceId", "ops"],
	"properties": {
		"facilityId": {"type": "string", "minLength": 1},
		"deviceId": {"type": "string", "minLength": 1},
		"ops": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["opId"],
				"properties": {
					"opId": {"type": "string"},
					"entityType": {"type": "string"},
					"entityId": {"type": "string"},
					"opType": {"type": "string"},
					"clientCreatedAt": {"type": "string"}
				}
			}
		}
	}
}`

const pullRequestSchema = `{
	"type": "object",
	"required": ["facilityId"],
	"properties": {
		"facilityId": {"type": "string", "minLength": 1},
		"cursor": {"type": ["string", "null"]},
		"limit": {"type": ["integer", "null"]}
	}
}`

type requestSchemas struct {
	push *jsonschema.Schema
	pull *jsonschema.Schema
}

func mustCompileRequestSchemas() *requestSchemas {
	compiler := jsonschema.NewCompiler()
	push := mustCompile(compiler, "opsync://schemas/push.json", pushRequestSchema)
	pull := mustCompile(compiler, "opsync://schemas/pull.json", pullRequestSchema)
	return &requestSchemas{push: push, pull: pull}
}

func mustCompile(compiler *jsonschema.Compiler, url, source string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		panic(fmt.Sprintf("parse schema %s: %v", url, err))
	}
	if err := compiler.AddResource(url, doc); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", url, err))
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", url, err))
	}
	return schema
}

func (s *Server) validateBody(w http.ResponseWriter, body []byte, schema *jsonschema.Schema) bool {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	if err := schema.Validate(doc); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", schemaErrorMessage(err))
		return false
	}
	return true
}

func schemaErrorMessage(err error) string {
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		for _, cause := range verr.Causes {
			return cause.Error()
		}
		return verr.Error()
	}
	return err.Error()
}
