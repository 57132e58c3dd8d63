package domain_test

import (
	"encoding/json"
	"testing"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
)

func TestStatusConstants(t *testing.T) {
	tests := []struct {
		status domain.Status
		want   string
	}{
		{domain.StatusPending, "PENDING"},
		{domain.StatusRunning, "RUNNING"},
		{domain.StatusSucceeded, "SUCCEEDED"},
		{domain.StatusFailed, "FAILED"},
		{domain.StatusCancelled, "CANCELLED"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if string(tt.status) != tt.want {
				t.Errorf("Status value = %q, want %q", tt.status, tt.want)
			}
		})
	}
}

func TestIsTerminal_TerminalStates(t *testing.T) {
	for _, s := range []domain.Status{domain.StatusSucceeded, domain.StatusFailed, domain.StatusCancelled} {
		t.Run(string(s), func(t *testing.T) {
			if !s.IsTerminal() {
				t.Errorf("IsTerminal(%q) = false, want true", s)
			}
		})
	}
}

func TestIsTerminal_NonTerminalStates(t *testing.T) {
	for _, s := range []domain.Status{domain.StatusPending, domain.StatusRunning} {
		t.Run(string(s), func(t *testing.T) {
			if s.IsTerminal() {
				t.Errorf("IsTerminal(%q) = true, want false", s)
			}
		})
	}
}

func history() *domain.Task {
	return &domain.Task{
		ID: "t1",
		History: []domain.Step{
			{Index: 0, Batch: 0, Observation: &domain.Observation{Output: json.RawMessage(`{}`)}},
			{Index: 1, Batch: 1},
			{Index: 2, Batch: 1, Observation: &domain.Observation{Output: json.RawMessage(`{"ok":true}`)}},
		},
	}
}

func TestLastBatch(t *testing.T) {
	task := history()
	if got := task.LastBatchNumber(); got != 1 {
		t.Fatalf("LastBatchNumber() = %d, want 1", got)
	}
	last := task.LastBatch()
	if len(last) != 2 || last[0].Index != 1 || last[1].Index != 2 {
		t.Fatalf("LastBatch() returned wrong steps: %+v", last)
	}
	if got := task.Outstanding(); got != 1 {
		t.Errorf("Outstanding() = %d, want 1", got)
	}
}

func TestLastBatch_EmptyHistory(t *testing.T) {
	task := &domain.Task{ID: "t1"}
	if got := task.LastBatchNumber(); got != -1 {
		t.Errorf("LastBatchNumber() = %d, want -1", got)
	}
	if len(task.LastBatch()) != 0 {
		t.Error("LastBatch() on empty history should be empty")
	}
	if task.Outstanding() != 0 {
		t.Error("Outstanding() on empty history should be 0")
	}
}

func TestStepLookup(t *testing.T) {
	task := history()
	if _, ok := task.Step(3); ok {
		t.Error("Step(3) should not exist")
	}
	if _, ok := task.Step(-1); ok {
		t.Error("Step(-1) should not exist")
	}
	s, ok := task.Step(2)
	if !ok || s.Index != 2 {
		t.Errorf("Step(2) = %+v, %v", s, ok)
	}
}

func TestClone_IsDeep(t *testing.T) {
	task := history()
	c := task.Clone()
	c.History[0].Observation.Output[1] = 'x'
	c.History[1].Batch = 9
	if string(task.History[0].Observation.Output) != `{}` {
		t.Error("mutating clone output leaked into original")
	}
	if task.History[1].Batch != 1 {
		t.Error("mutating clone history leaked into original")
	}
}

func TestObservationEqual(t *testing.T) {
	a := domain.Observation{Output: json.RawMessage(`{"a": 1}`)}
	b := domain.Observation{Output: json.RawMessage(`{"a":1}`)}
	if !a.Equal(b) {
		t.Error("observations differing only in whitespace should be equal")
	}
	c := domain.Observation{Output: json.RawMessage(`{"a":2}`)}
	if a.Equal(c) {
		t.Error("observations with different outputs should differ")
	}
	e1 := domain.Observation{Error: &domain.StepError{Kind: domain.KindHandlerTimeout, Retryable: true}}
	e2 := domain.Observation{Error: &domain.StepError{Kind: domain.KindHandlerTimeout, Retryable: true}}
	if !e1.Equal(e2) {
		t.Error("identical error observations should be equal")
	}
	if e1.Equal(a) {
		t.Error("error and output observations should differ")
	}
}

func TestStepErrorReason(t *testing.T) {
	e := &domain.StepError{Kind: domain.KindHandlerTimeout, Message: "handler \"developer\" did not finish within 1s"}
	if got := e.Reason(); got != `HandlerTimeout: handler "developer" did not finish within 1s` {
		t.Errorf("Reason() = %q", got)
	}
	bare := &domain.StepError{Kind: domain.KindHandlerFailure}
	if got := bare.Reason(); got != "HandlerFailure" {
		t.Errorf("Reason() = %q", got)
	}
}

func TestWorkerTopic(t *testing.T) {
	if got := domain.WorkerTopic("developer"); got != "steps.worker.developer" {
		t.Errorf("WorkerTopic() = %q", got)
	}
}
