package llm

import (
	"context"
	"strings"
)

// Echo is a deterministic offline completer. It answers with the system
// prompt's first line followed by the user prompt, so runs are reproducible
// without network access.
type Echo struct{}

func (Echo) Complete(ctx context.Context, p Prompt) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}
	head, _, _ := strings.Cut(strings.TrimSpace(p.System), "\n")
	text := strings.TrimSpace(head + "\n\n" + p.User)
	words := int64(len(strings.Fields(p.System + " " + p.User)))
	return Completion{
		Text:         text,
		Model:        "echo",
		InputTokens:  words,
		OutputTokens: int64(len(strings.Fields(text))),
	}, nil
}
