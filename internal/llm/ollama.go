package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

// DefaultOllamaModel is used when Config.Model is empty.
const DefaultOllamaModel = "llama3.1"

// Ollama completes prompts against a local Ollama server.
type Ollama struct {
	client *api.Client
	model  string
}

// NewOllama creates an Ollama completer. Without a base URL the client is
// configured from OLLAMA_HOST.
func NewOllama(cfg Config) (*Ollama, error) {
	var (
		client *api.Client
		err    error
	)
	if cfg.BaseURL != "" {
		u, perr := url.Parse(cfg.BaseURL)
		if perr != nil {
			return nil, fmt.Errorf("invalid base URL: %w", perr)
		}
		client = api.NewClient(u, http.DefaultClient)
	} else {
		client, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, err
		}
	}

	model := cfg.Model
	if model == "" {
		model = DefaultOllamaModel
	}
	return &Ollama{client: client, model: model}, nil
}

func (o *Ollama) Complete(ctx context.Context, p Prompt) (Completion, error) {
	stream := false
	req := &api.GenerateRequest{
		Model:  o.model,
		System: p.System,
		Prompt: p.User,
		Stream: &stream,
		Options: map[string]any{
			"temperature": 0.2,
		},
	}

	var (
		sb  strings.Builder
		out Completion
	)
	err := o.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		sb.WriteString(resp.Response)
		if resp.Done {
			out.Model = resp.Model
			out.InputTokens = int64(resp.PromptEvalCount)
			out.OutputTokens = int64(resp.EvalCount)
		}
		return nil
	})
	if err != nil {
		return Completion{}, err
	}
	out.Text = sb.String()
	return out, nil
}
