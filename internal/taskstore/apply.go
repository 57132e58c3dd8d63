package taskstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
)

// ErrEmptyBatch is returned when AppendSteps is called without actions.
var ErrEmptyBatch = errors.New("batch must contain at least one action")

var errNotTerminal = errors.New("outcome status is not terminal")

// The Apply* functions hold the mutation rules. Backends load the task inside
// their own transaction, call the matching Apply function and persist the result.

// ApplyAppend appends a batch to t and returns the new step indices.
func ApplyAppend(t *domain.Task, batch int, actions []domain.Action, now time.Time) ([]int, error) {
	if t.Status.IsTerminal() {
		return nil, &domain.TaskTerminalError{TaskID: t.ID, Status: t.Status}
	}
	if len(actions) == 0 {
		return nil, ErrEmptyBatch
	}
	if last := t.LastBatchNumber(); batch <= last {
		return nil, &domain.ConflictError{
			TaskID:    t.ID,
			StepIndex: -1,
			Reason:    fmt.Sprintf("batch %d already applied, last batch is %d", batch, last),
		}
	}

	indices := make([]int, len(actions))
	for i, a := range actions {
		idx := len(t.History)
		t.History = append(t.History, domain.Step{
			Index:        idx,
			Batch:        batch,
			Action:       a,
			Status:       domain.StepDispatched,
			DispatchedAt: now,
		})
		indices[i] = idx
	}
	if t.Status == domain.StatusPending {
		t.Status = domain.StatusRunning
	}
	t.UpdatedAt = now
	return indices, nil
}

// ApplyObservation records obs on a step. It reports changed=false for an
// identical repeat, which callers must treat as success without writing.
func ApplyObservation(t *domain.Task, stepIndex int, obs domain.Observation, now time.Time) (bool, error) {
	step, ok := t.Step(stepIndex)
	if !ok {
		return false, &domain.StepNotFoundError{TaskID: t.ID, StepIndex: stepIndex}
	}
	if step.Observation != nil {
		if step.Observation.Equal(obs) {
			return false, nil
		}
		return false, &domain.ConflictError{
			TaskID:    t.ID,
			StepIndex: stepIndex,
			Reason:    "step already has a different observation",
		}
	}
	if t.Status.IsTerminal() {
		return false, &domain.TaskTerminalError{TaskID: t.ID, Status: t.Status}
	}

	o := obs
	step.Observation = &o
	step.ObservedAt = &now
	step.Status = StepStatusFor(obs)
	t.UpdatedAt = now
	return true, nil
}

// StepStatusFor returns the step status an observation produces.
func StepStatusFor(obs domain.Observation) domain.StepStatus {
	if obs.Error != nil && obs.Error.Kind == domain.KindHandlerTimeout {
		return domain.StepTimedOut
	}
	return domain.StepObserved
}

// ApplyFinalize moves t to the terminal status in out.
func ApplyFinalize(t *domain.Task, out domain.Outcome, now time.Time) error {
	if t.Status.IsTerminal() {
		return &domain.TaskTerminalError{TaskID: t.ID, Status: t.Status}
	}
	if !out.Status.IsTerminal() {
		return fmt.Errorf("finalize task %s with %s: %w", t.ID, out.Status, errNotTerminal)
	}

	t.Status = out.Status
	switch out.Status {
	case domain.StatusSucceeded:
		t.Result = out.Result
		t.Confidence = out.Confidence
		t.ValidationIssues = out.Issues
	case domain.StatusFailed:
		t.Error = out.Error
	}
	t.UpdatedAt = now
	t.CompletedAt = &now
	return nil
}

// IsRuleError reports whether err comes from the mutation rules above (or a
// missing task) rather than from the backend. Backends wrap everything else in
// *domain.StoreUnavailableError.
func IsRuleError(err error) bool {
	var (
		notFound *domain.TaskNotFoundError
		stepNF   *domain.StepNotFoundError
		terminal *domain.TaskTerminalError
		conflict *domain.ConflictError
	)
	return errors.As(err, &notFound) || errors.As(err, &stepNF) ||
		errors.As(err, &terminal) || errors.As(err, &conflict) ||
		errors.Is(err, ErrEmptyBatch) || errors.Is(err, errNotTerminal)
}
