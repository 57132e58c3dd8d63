package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-agent-flow/internal/llm"
)

// RoleHandler turns a StageInput into a prompt for its role and wraps the
// model's answer as {<output_field>: text}.
type RoleHandler struct {
	role      Role
	completer llm.Completer
}

// NewRoleHandler creates a RoleHandler.
func NewRoleHandler(role Role, completer llm.Completer) *RoleHandler {
	return &RoleHandler{role: role, completer: completer}
}

func (h *RoleHandler) Handle(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	ctx, span := otel.Tracer("worker").Start(ctx, "capability."+h.role.Name)
	defer span.End()

	var in StageInput
	if err := json.Unmarshal(input, &in); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid input")
		return nil, Permanent(fmt.Errorf("invalid %s input: %w", h.role.Name, err))
	}

	out, err := h.completer.Complete(ctx, h.prompt(in))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		if llm.IsTransient(err) {
			return nil, fmt.Errorf("%s completion: %w", h.role.Name, err)
		}
		return nil, Permanent(fmt.Errorf("%s completion: %w", h.role.Name, err))
	}
	span.SetAttributes(
		attribute.String("llm.model", out.Model),
		attribute.Int64("llm.input_tokens", out.InputTokens),
		attribute.Int64("llm.output_tokens", out.OutputTokens),
	)

	return json.Marshal(map[string]string{h.role.OutputField: out.Text})
}

func (h *RoleHandler) prompt(in StageInput) llm.Prompt {
	var sys strings.Builder
	fmt.Fprintf(&sys, "You are the %s.\n", h.role.Role)
	if h.role.Goal != "" {
		fmt.Fprintf(&sys, "Goal: %s\n", h.role.Goal)
	}
	if h.role.Backstory != "" {
		fmt.Fprintf(&sys, "Background: %s\n", h.role.Backstory)
	}

	task := in.Description
	if in.Context != "" {
		task += "\n\nContext:\n" + in.Context
	}

	var user strings.Builder
	switch instructions := h.role.Instructions; {
	case instructions == "":
		user.WriteString(task)
	case strings.Contains(instructions, "{{description}}"):
		user.WriteString(strings.ReplaceAll(instructions, "{{description}}", task))
	default:
		fmt.Fprintf(&user, "%s\n\nTask:\n%s", instructions, task)
	}

	if len(in.Prior) > 0 {
		names := make([]string, 0, len(in.Prior))
		for n := range in.Prior {
			names = append(names, n)
		}
		sort.Strings(names)
		user.WriteString("\n\nWork from earlier stages:")
		for _, n := range names {
			fmt.Fprintf(&user, "\n\n[%s]\n%s", n, priorText(in.Prior[n]))
		}
	}
	if h.role.ExpectedOutput != "" {
		fmt.Fprintf(&user, "\n\nExpected output: %s", h.role.ExpectedOutput)
	}
	return llm.Prompt{System: strings.TrimSpace(sys.String()), User: user.String()}
}

// priorText unwraps single-field string objects such as {"plan": "..."}.
func priorText(raw json.RawMessage) string {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil && len(obj) == 1 {
		for _, v := range obj {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return string(raw)
}

func unbound(name string) Handler {
	return HandlerFunc(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, Permanent(fmt.Errorf("capability %q has no executor in this process", name))
	})
}
