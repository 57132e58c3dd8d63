// Package llm wraps the language-model providers the role capabilities call.
package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Prompt is one single-turn request.
type Prompt struct {
	System string
	User   string
}

// Completion is the provider's answer plus its usage.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Completer sends a prompt to a model and returns the text it produced.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (Completion, error)
}

// Provider names accepted by New.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
	ProviderEcho      = "echo"
)

// Config selects and configures a provider.
type Config struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string

	// Anthropic through AWS Bedrock.
	UseBedrock bool
	AWSRegion  string
}

// New builds the Completer named by cfg.Provider.
func New(cfg Config) (Completer, error) {
	switch strings.ToLower(cfg.Provider) {
	case ProviderOpenAI:
		return NewOpenAI(cfg)
	case ProviderAnthropic:
		return NewAnthropic(cfg)
	case ProviderOllama:
		return NewOllama(cfg)
	case ProviderEcho, "":
		return Echo{}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// IsTransient reports whether err looks like a temporary provider failure
// worth retrying (timeouts, refused connections, 5xx, overload).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range transientMarkers {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

var transientMarkers = []string{
	"context deadline exceeded",
	"connection refused",
	"connection reset",
	"timeout",
	"429",
	"rate limit",
	"500 internal",
	"502 bad gateway",
	"503 service unavailable",
	"overloaded",
}

// TokenTracker accumulates token usage across calls.
type TokenTracker struct {
	mu        sync.Mutex
	inputTok  int64
	outputTok int64
	calls     int
}

// Add records one call's usage.
func (t *TokenTracker) Add(input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTok += input
	t.outputTok += output
	t.calls++
}

// Totals returns input tokens, output tokens and call count so far.
func (t *TokenTracker) Totals() (input, output int64, calls int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inputTok, t.outputTok, t.calls
}

// Tracked wraps c so every successful completion is added to tracker.
func Tracked(c Completer, tracker *TokenTracker) Completer {
	return &tracked{inner: c, tracker: tracker}
}

type tracked struct {
	inner   Completer
	tracker *TokenTracker
}

func (t *tracked) Complete(ctx context.Context, p Prompt) (Completion, error) {
	out, err := t.inner.Complete(ctx, p)
	if err == nil {
		t.tracker.Add(out.InputTokens, out.OutputTokens)
	}
	return out, err
}
