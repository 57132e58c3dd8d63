package worker

import (
	"context"

	"github.com/ramiqadoumi/go-agent-flow/internal/llm"
	"github.com/ramiqadoumi/go-agent-flow/pkg/telemetry"
)

// MeterTokens exports the token usage of every successful completion.
func MeterTokens(c llm.Completer) llm.Completer { return metered{inner: c} }

type metered struct{ inner llm.Completer }

func (m metered) Complete(ctx context.Context, p llm.Prompt) (llm.Completion, error) {
	out, err := m.inner.Complete(ctx, p)
	if err == nil {
		telemetry.WorkerLLMTokens.WithLabelValues("input").Add(float64(out.InputTokens))
		telemetry.WorkerLLMTokens.WithLabelValues("output").Add(float64(out.OutputTokens))
	}
	return out, err
}
