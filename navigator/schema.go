package navigator

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// outputSchemaDoc constrains a Navigator turn's decoded Output before the
// Routing Driver trusts it to rewrite run_state: intent must be one of the
// four known values, and a DETOUR intent must carry detour_request. The
// schema does not check the payload of an EXTEND_GRAPH intent;
// ApplyExtendGraphRequest rejects one that lacks it.
const outputSchemaDoc = `{
	"type": "object",
	"required": ["intent"],
	"properties": {
		"intent": {"type": "string", "enum": ["ADVANCE", "PAUSE", "DETOUR", "EXTEND_GRAPH"]},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1}
	},
	"if": {"properties": {"intent": {"const": "DETOUR"}}},
	"then": {"required": ["intent", "detour_request"]}
}`

var (
	outputSchemaOnce sync.Once
	outputSchema     *jsonschema.Schema
	outputSchemaErr  error
)

func compiledOutputSchema() (*jsonschema.Schema, error) {
	outputSchemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(outputSchemaDoc), &doc); err != nil {
			outputSchemaErr = fmt.Errorf("navigator: unmarshal output schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("navigator_output.json", doc); err != nil {
			outputSchemaErr = fmt.Errorf("navigator: add output schema resource: %w", err)
			return
		}
		outputSchema, outputSchemaErr = c.Compile("navigator_output.json")
	})
	return outputSchema, outputSchemaErr
}

// ValidateOutput checks a decoded Navigator turn against outputSchemaDoc
// before RewritePauseToDetour/ApplyDetourRequest/ApplyExtendGraphRequest are
// allowed to act on it. Call this on every NavigationOrchestrator.Navigate
// result before branching on Intent.
func ValidateOutput(out Output) error {
	schema, err := compiledOutputSchema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("navigator: marshal output for validation: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("navigator: unmarshal output for validation: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("navigator: output failed schema validation: %w", err)
	}
	return nil
}
