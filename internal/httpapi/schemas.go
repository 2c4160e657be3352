package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const appendSchema = `{
  "type": "object",
  "required": ["expected_version", "events"],
  "properties": {
    "expected_version": {"type": "integer", "minimum": -1},
    "events": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["event_type"],
        "properties": {
          "event_type": {"type": "string", "minLength": 1},
          "payload": {},
          "metadata": {"type": "object"},
          "occurred_at": {"type": "string", "format": "date-time"}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

const snapshotSchema = `{
  "type": "object",
  "required": ["version", "state"],
  "properties": {
    "version": {"type": "integer", "minimum": 0},
    "aggregate_type": {"type": "string"},
    "state": {}
  },
  "additionalProperties": false
}`

// validator checks request bodies against a compiled schema before they are decoded.
type validator struct {
	sch *jsonschema.Schema
}

func mustCompile(name, schema string) *validator {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(schema)))
	if err != nil {
		panic(fmt.Sprintf("httpapi: schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	url := "mem://" + name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		panic(fmt.Sprintf("httpapi: schema %s: %v", name, err))
	}
	sch, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("httpapi: schema %s: %v", name, err))
	}
	return &validator{sch: sch}
}

// decode validates body and unmarshals it into dst.
func (v *validator) decode(body []byte, dst any) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}
	if err := v.sch.Validate(inst); err != nil {
		return err
	}
	return json.Unmarshal(body, dst)
}

var (
	appendValidator   = mustCompile("append", appendSchema)
	snapshotValidator = mustCompile("snapshot", snapshotSchema)
)
