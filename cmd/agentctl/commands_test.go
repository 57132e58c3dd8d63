package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
	"github.com/ramiqadoumi/go-agent-flow/services/api-gateway/handler"
)

func init() { color.NoColor = true }

func TestPrintStep(t *testing.T) {
	var buf bytes.Buffer
	printStep(&buf, domain.Step{Index: 0, Action: domain.Action{Capability: "developer"}})
	printStep(&buf, domain.Step{Index: 1, Action: domain.Action{Capability: "tester"},
		Observation: &domain.Observation{Error: &domain.StepError{Kind: domain.KindHandlerTimeout, Message: "slow"}}})

	out := buf.String()
	assert.Contains(t, out, "… step 0  developer")
	assert.Contains(t, out, "✗ step 1  tester  HandlerTimeout: slow")
}

func TestPrintTask(t *testing.T) {
	var buf bytes.Buffer
	conf := 0.75
	printTask(&buf, &handler.TaskResponse{
		TaskID:     "t-1",
		Status:     "SUCCEEDED",
		Result:     json.RawMessage(`{"code":"func add(a, b int) int { return a + b }"}`),
		Confidence: &conf,
		DurationMs: 1500,
	})

	out := buf.String()
	assert.Contains(t, out, "SUCCEEDED t-1 (1.5s)")
	assert.Contains(t, out, "confidence: 0.75")
	assert.Contains(t, out, "func add(a, b int) int")
}
