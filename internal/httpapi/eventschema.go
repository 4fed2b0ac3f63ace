package httpapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// eventSchemaJSON guards the producer ingress: every internal event needs a
// non-empty type and either a target user or the broadcast flag.
const eventSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"userId": {"type": "string", "minLength": 1},
		"broadcast": {"type": "boolean"},
		"excludeUserId": {"type": "string"},
		"type": {"type": "string", "minLength": 1},
		"data": {"type": "object"},
		"timestamp": {"type": "string"}
	},
	"required": ["type"],
	"anyOf": [
		{"required": ["userId"]},
		{"properties": {"broadcast": {"const": true}}, "required": ["broadcast"]}
	]
}`

var eventSchema = mustCompileEventSchema()

func mustCompileEventSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("event schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("event.json", doc); err != nil {
		panic(fmt.Sprintf("event schema: %v", err))
	}
	schema, err := compiler.Compile("event.json")
	if err != nil {
		panic(fmt.Sprintf("event schema: %v", err))
	}
	return schema
}

func validateEventBody(body []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body")
	}
	if err := eventSchema.Validate(instance); err != nil {
		return fmt.Errorf("invalid event: %v", err)
	}
	return nil
}
