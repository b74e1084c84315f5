// Package jsonschema adapts github.com/santhosh-tekuri/jsonschema/v6 into
// a validator.Func, used for output_schema validation (spec §4.4 step 6)
// and as a registrable named validator for ward bindings that check
// structural shape.
package jsonschema

import (
	"bytes"
	"context"
	"encoding/json"

	js "github.com/santhosh-tekuri/jsonschema/v6"
	"goa.design/cascade/runtime/validator"
)

// Compile parses schema (raw JSON Schema) and returns a validator.Func
// that checks arbitrary JSON content against it.
func Compile(schema []byte) (validator.Func, error) {
	compiler := js.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(schema)); err != nil {
		return nil, err
	}
	sch, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, err
	}
	return func(_ context.Context, content string) (validator.Result, error) {
		var doc any
		if err := json.Unmarshal([]byte(content), &doc); err != nil {
			return validator.Result{Valid: false, Reason: "content is not valid JSON: " + err.Error()}, nil
		}
		if err := sch.Validate(doc); err != nil {
			return validator.Result{Valid: false, Reason: err.Error()}, nil
		}
		return validator.Result{Valid: true}, nil
	}, nil
}
