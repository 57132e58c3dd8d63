package capability

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
)

func compile(name, direction string, schema []byte) (*jsonschema.Schema, error) {
	if len(bytes.TrimSpace(schema)) == 0 {
		return nil, nil
	}
	url := fmt.Sprintf("mem://capability/%s/%s.json", name, direction)
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("load %s schema for %q: %w", direction, name, err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema for %q: %w", direction, name, err)
	}
	return s, nil
}

func validate(s *jsonschema.Schema, name, direction string, payload json.RawMessage) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return &domain.SchemaError{Capability: name, Direction: direction, Detail: "payload is not valid JSON: " + err.Error()}
	}
	// The payload is stored as a json.RawMessage, which must hold exactly one value.
	if _, err := dec.Token(); err != io.EOF {
		return &domain.SchemaError{Capability: name, Direction: direction, Detail: "payload has data after the JSON value"}
	}
	if s == nil {
		return nil
	}
	if err := s.Validate(v); err != nil {
		return &domain.SchemaError{Capability: name, Direction: direction, Detail: err.Error()}
	}
	return nil
}
