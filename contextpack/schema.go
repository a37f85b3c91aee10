package contextpack

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/flowstep/orchestrator/types"
)

// envelopeSchemaDoc constrains the shape of a HandoffEnvelope before it is
// trusted as routing input: the identifying triple and status must be
// present non-empty strings, mirroring what every engine is required to set
// (engine.FinalizationResult always carries these).
const envelopeSchemaDoc = `{
	"type": "object",
	"required": ["step_id", "flow_key", "run_id", "status"],
	"properties": {
		"step_id": {"type": "string", "minLength": 1},
		"flow_key": {"type": "string", "minLength": 1},
		"run_id": {"type": "string", "minLength": 1},
		"status": {"type": "string", "minLength": 1},
		"summary": {"type": "string"}
	}
}`

var (
	envelopeSchemaOnce sync.Once
	envelopeSchema     *jsonschema.Schema
	envelopeSchemaErr  error
)

func compiledEnvelopeSchema() (*jsonschema.Schema, error) {
	envelopeSchemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(envelopeSchemaDoc), &doc); err != nil {
			envelopeSchemaErr = fmt.Errorf("contextpack: unmarshal envelope schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("handoff_envelope.json", doc); err != nil {
			envelopeSchemaErr = fmt.Errorf("contextpack: add envelope schema resource: %w", err)
			return
		}
		envelopeSchema, envelopeSchemaErr = c.Compile("handoff_envelope.json")
	})
	return envelopeSchema, envelopeSchemaErr
}

// ValidateEnvelope checks a HandoffEnvelope against envelopeSchemaDoc before
// the orchestrator commits it durably and hands it to the Routing Driver —
// a malformed envelope from a misbehaving engine should fail loudly here
// rather than surface as a confusing nil-field bug three steps later.
func ValidateEnvelope(env types.HandoffEnvelope) error {
	schema, err := compiledEnvelopeSchema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("contextpack: marshal envelope for validation: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("contextpack: unmarshal envelope for validation: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("contextpack: envelope failed schema validation: %w", err)
	}
	return nil
}
