package capability

import "encoding/json"

// StageInput is the payload the default policy sends to every capability.
// Prior holds the outputs of earlier stages keyed by capability name.
type StageInput struct {
	Description string                     `json:"description"`
	Context     string                     `json:"context,omitempty"`
	Stage       int                        `json:"stage"`
	Prior       map[string]json.RawMessage `json:"prior,omitempty"`
}

// StageInputSchema accepts StageInput documents.
const StageInputSchema = `{
  "type": "object",
  "required": ["description", "stage"],
  "properties": {
    "description": {"type": "string", "minLength": 1},
    "context": {"type": "string"},
    "stage": {"type": "integer", "minimum": 0},
    "prior": {"type": "object"}
  }
}`
