package plan

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// SchemaError wraps a CUE schema violation detected before the submitted
// JSON is even coerced into a Plan value. It is the first of the two
// admission stages: structure and types, before DAG/template semantics.
type SchemaError struct {
	Violations []string
}

func (e *SchemaError) Error() string {
	if len(e.Violations) == 1 {
		return fmt.Sprintf("plan schema violation: %s", e.Violations[0])
	}
	return fmt.Sprintf("plan schema violations (%d): %s", len(e.Violations), e.Violations[0])
}

var (
	schemaOnce sync.Once
	schemaDef  cue.Value
	schemaErr  error
)

func compiledSchema() (cue.Value, error) {
	schemaOnce.Do(func() {
		ctx := cuecontext.New()
		v := ctx.CompileString(schemaSource)
		if err := v.Err(); err != nil {
			schemaErr = fmt.Errorf("compile plan schema: %w", err)
			return
		}
		schemaDef = v.LookupPath(cue.ParsePath("#Plan"))
		if !schemaDef.Exists() {
			schemaErr = fmt.Errorf("plan schema: #Plan definition not found")
		}
	})
	return schemaDef, schemaErr
}

// ValidateSchema runs the CUE structural pass over raw plan JSON. It
// catches malformed shapes, missing required fields, and enum violations
// before any DAG or template reasoning is attempted.
func ValidateSchema(raw []byte) error {
	def, err := compiledSchema()
	if err != nil {
		return err
	}

	var doc any
	if jsonErr := json.Unmarshal(raw, &doc); jsonErr != nil {
		return &SchemaError{Violations: []string{fmt.Sprintf("invalid JSON: %v", jsonErr)}}
	}

	ctx := def.Context()
	instance := ctx.Encode(doc)
	unified := def.Unify(instance)
	if validateErr := unified.Validate(cue.Concrete(true), cue.All()); validateErr != nil {
		var violations []string
		for _, e := range errors.Errors(validateErr) {
			violations = append(violations, e.Error())
		}
		if len(violations) == 0 {
			violations = []string{validateErr.Error()}
		}
		return &SchemaError{Violations: violations}
	}
	return nil
}

// Parse decodes raw plan JSON into a Plan value. Callers must run
// ValidateSchema first; Parse does not re-check structural constraints the
// schema already enforces, only JSON shape.
func Parse(raw []byte) (Plan, error) {
	var p Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return Plan{}, &SchemaError{Violations: []string{err.Error()}}
	}
	return p, nil
}
