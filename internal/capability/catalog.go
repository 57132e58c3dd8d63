package capability

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ramiqadoumi/go-agent-flow/internal/llm"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

// Role describes one LLM-backed capability.
type Role struct {
	Name           string `yaml:"name"`
	Role           string `yaml:"role"`
	Goal           string `yaml:"goal"`
	Backstory      string `yaml:"backstory"`
	Instructions   string `yaml:"instructions"`
	ExpectedOutput string `yaml:"expected_output"`
	OutputField    string `yaml:"output_field"`
	InputSchema    string `yaml:"input_schema"`
	OutputSchema   string `yaml:"output_schema"`
}

// Catalog is the set of roles a deployment knows about.
type Catalog struct {
	Capabilities []Role `yaml:"capabilities"`
}

// LoadCatalog reads a YAML catalog from path, or the embedded default
// crew (manager, developer, tester) when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog: %w", err)
		}
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and checks a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(c.Capabilities) == 0 {
		return nil, errors.New("catalog declares no capabilities")
	}
	seen := make(map[string]bool, len(c.Capabilities))
	for i := range c.Capabilities {
		r := &c.Capabilities[i]
		if r.Name == "" {
			return nil, fmt.Errorf("catalog entry %d has no name", i)
		}
		if strings.ContainsAny(r.Name, "+ ") {
			return nil, fmt.Errorf("catalog entry %q: name must not contain '+' or spaces", r.Name)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("catalog entry %q declared twice", r.Name)
		}
		seen[r.Name] = true
		if r.OutputField == "" {
			r.OutputField = "output"
		}
		if r.InputSchema == "" {
			r.InputSchema = StageInputSchema
		}
		if r.OutputSchema == "" {
			r.OutputSchema = fmt.Sprintf(`{"type":"object","required":[%q],"properties":{%q:{"type":"string"}}}`,
				r.OutputField, r.OutputField)
		}
	}
	return &c, nil
}

// Names returns the role names in catalog order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.Capabilities))
	for i, r := range c.Capabilities {
		names[i] = r.Name
	}
	return names
}

// Register binds every role to completer and adds it to reg. A nil completer
// registers the schemas only, for processes that validate actions but never
// execute them.
func (c *Catalog) Register(reg *Registry, completer llm.Completer) error {
	for _, r := range c.Capabilities {
		var h Handler = NewRoleHandler(r, completer)
		if completer == nil {
			h = unbound(r.Name)
		}
		if err := reg.Register(r.Name, h, []byte(r.InputSchema), []byte(r.OutputSchema)); err != nil {
			return err
		}
	}
	return nil
}
