package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

// Status represents the states a task can be in.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// StepStatus is the lifecycle of a single dispatched step.
type StepStatus string

const (
	StepDispatched StepStatus = "DISPATCHED"
	StepObserved   StepStatus = "OBSERVED"
	StepTimedOut   StepStatus = "TIMED_OUT"
)

// Action is the capability invocation chosen by the orchestrator for a step.
// Stage and Attempt are recorded so the policy can read its own progress back
// out of the history.
type Action struct {
	Capability string          `json:"capability"`
	Input      json.RawMessage `json:"input"`
	Stage      int             `json:"stage"`
	Attempt    int             `json:"attempt"`
}

// StepError is the structured failure marker stored in an observation.
type StepError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// Reason renders the error in the "<Kind>: <detail>" form used for task errors.
func (e *StepError) Reason() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// Observation is what a worker reports back for a step: an output payload or an error.
type Observation struct {
	Output json.RawMessage `json:"output,omitempty"`
	Error  *StepError      `json:"error,omitempty"`
}

// Failed reports whether the observation carries an error marker.
func (o Observation) Failed() bool { return o.Error != nil }

// Equal compares two observations ignoring insignificant JSON whitespace.
func (o Observation) Equal(other Observation) bool {
	if (o.Error == nil) != (other.Error == nil) {
		return false
	}
	if o.Error != nil && *o.Error != *other.Error {
		return false
	}
	return bytes.Equal(compact(o.Output), compact(other.Output))
}

func compact(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

// Step is one reasoning-loop iteration within a task.
type Step struct {
	Index        int          `json:"step_index"`
	Batch        int          `json:"batch"`
	Action       Action       `json:"action"`
	Observation  *Observation `json:"observation,omitempty"`
	Status       StepStatus   `json:"status"`
	DispatchedAt time.Time    `json:"dispatched_at"`
	ObservedAt   *time.Time   `json:"observed_at,omitempty"`
}

// Task is the core domain entity: one client-submitted unit of work and its history.
type Task struct {
	ID               string          `json:"id"`
	Description      string          `json:"description"`
	Context          string          `json:"context,omitempty"`
	Hints            []string        `json:"hints,omitempty"`
	Status           Status          `json:"status"`
	History          []Step          `json:"history"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	Confidence       *float64        `json:"confidence,omitempty"`
	ValidationIssues []string        `json:"validation_issues,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// LastBatchNumber returns the highest batch in the history, or -1 for an empty history.
func (t *Task) LastBatchNumber() int {
	if len(t.History) == 0 {
		return -1
	}
	return t.History[len(t.History)-1].Batch
}

// LastBatch returns the steps of the most recent batch in index order.
func (t *Task) LastBatch() []Step {
	last := t.LastBatchNumber()
	i := len(t.History)
	for i > 0 && t.History[i-1].Batch == last {
		i--
	}
	return t.History[i:]
}

// Outstanding counts steps of the last batch that have no observation yet.
func (t *Task) Outstanding() int {
	n := 0
	for _, s := range t.LastBatch() {
		if s.Observation == nil {
			n++
		}
	}
	return n
}

// Step returns the step with the given index.
func (t *Task) Step(index int) (*Step, bool) {
	if index < 0 || index >= len(t.History) {
		return nil, false
	}
	return &t.History[index], true
}

// Clone returns a deep copy so stores can hand out tasks without sharing state.
func (t *Task) Clone() *Task {
	c := *t
	c.Hints = append([]string(nil), t.Hints...)
	c.Result = cloneRaw(t.Result)
	c.ValidationIssues = append([]string(nil), t.ValidationIssues...)
	if t.Confidence != nil {
		v := *t.Confidence
		c.Confidence = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	c.History = make([]Step, len(t.History))
	for i, s := range t.History {
		s.Action.Input = cloneRaw(s.Action.Input)
		if s.Observation != nil {
			o := Observation{Output: cloneRaw(s.Observation.Output)}
			if s.Observation.Error != nil {
				e := *s.Observation.Error
				o.Error = &e
			}
			s.Observation = &o
		}
		if s.ObservedAt != nil {
			v := *s.ObservedAt
			s.ObservedAt = &v
		}
		c.History[i] = s
	}
	return &c
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

// Outcome is the terminal record written by Finalize.
type Outcome struct {
	Status     Status
	Result     json.RawMessage
	Error      string
	Confidence *float64
	Issues     []string
}

// StepExecution records a single worker execution of a step, for auditing.
type StepExecution struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	StepIndex  int        `json:"step_index"`
	Capability string     `json:"capability"`
	WorkerID   string     `json:"worker_id"`
	Attempt    int        `json:"attempt"`
	Status     StepStatus `json:"status"`
	ErrorKind  ErrorKind  `json:"error_kind,omitempty"`
	DurationMs int64      `json:"duration_ms"`
	Error      string     `json:"error,omitempty"`
	ExecutedAt time.Time  `json:"executed_at"`
}
