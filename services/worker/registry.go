package worker

import (
	"fmt"

	"github.com/ramiqadoumi/go-agent-flow/internal/capability"
	"github.com/ramiqadoumi/go-agent-flow/internal/capability/tools"
	"github.com/ramiqadoumi/go-agent-flow/internal/llm"
)

// BuildRegistry registers the catalog roles bound to the configured model,
// plus the tools whose settings are present. A nil tracker disables token
// accounting.
func BuildRegistry(catalogFile string, llmCfg llm.Config, toolsCfg tools.Config, tracker *llm.TokenTracker) (*capability.Registry, error) {
	completer, err := llm.New(llmCfg)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	completer = MeterTokens(completer)
	if tracker != nil {
		completer = llm.Tracked(completer, tracker)
	}

	catalog, err := capability.LoadCatalog(catalogFile)
	if err != nil {
		return nil, err
	}
	reg := capability.NewRegistry()
	if err := catalog.Register(reg, completer); err != nil {
		return nil, err
	}
	if err := tools.Register(reg, toolsCfg); err != nil {
		return nil, err
	}
	return reg, nil
}
