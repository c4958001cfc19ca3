package httpapi

import (
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// callbackSchema pins down the export-callback delivery shape before it can
// reach the engine. Unknown extra keys under data are allowed, the backend
// attaches exporter-specific fields there.
const callbackSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["status"],
  "properties": {
    "status": {"type": "string", "minLength": 1},
    "data": {
      "type": "object",
      "properties": {
        "Issue": {"type": ["integer", "string"]},
        "File": {"type": "string"},
        "Pages": {"type": ["integer", "string"]}
      }
    }
  }
}`

var compiledCallbackSchema = mustCompileCallbackSchema()

func mustCompileCallbackSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(callbackSchema))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("callback.json", doc); err != nil {
		panic(err)
	}
	sch, err := c.Compile("callback.json")
	if err != nil {
		panic(err)
	}
	return sch
}

// validateCallbackBody parses and validates an export-callback delivery.
func validateCallbackBody(body io.Reader) (map[string]any, error) {
	doc, err := jsonschema.UnmarshalJSON(body)
	if err != nil {
		return nil, fmt.Errorf("malformed callback body")
	}
	if err := compiledCallbackSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid callback body: %v", err)
	}
	payload, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("invalid callback body: not an object")
	}
	return payload, nil
}
