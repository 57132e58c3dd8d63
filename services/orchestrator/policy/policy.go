// Package policy decides the next action of a task from its history alone.
package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ramiqadoumi/go-agent-flow/internal/capability"
	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
)

// Kind is the type of a Decision.
type Kind string

const (
	KindDispatch Kind = "dispatch"
	KindFinish   Kind = "finish"
	KindFail     Kind = "fail"
)

// Decision is what the orchestrator should do next with a task.
type Decision struct {
	Kind    Kind
	Actions []domain.Action // KindDispatch
	Result  json.RawMessage // KindFinish
	Reason  string          // KindFail, "<Kind>: <detail>"
}

// Dispatch returns a dispatch decision.
func Dispatch(actions ...domain.Action) Decision {
	return Decision{Kind: KindDispatch, Actions: actions}
}

// Finish returns a finish decision.
func Finish(result json.RawMessage) Decision {
	return Decision{Kind: KindFinish, Result: result}
}

// Fail returns a failure decision.
func Fail(reason string) Decision {
	return Decision{Kind: KindFail, Reason: reason}
}

// Policy chooses the next step. Next must be deterministic for a given
// history and is only called when the last batch is fully observed.
type Policy interface {
	Next(t *domain.Task) Decision
}

// DefaultStages is the sequential crew used when neither the task nor the
// configuration names stages.
var DefaultStages = [][]string{{"manager"}, {"developer"}, {"tester"}}

// Config tunes the staged policy.
type Config struct {
	// Stages overrides DefaultStages for tasks without hints.
	Stages [][]string
	// MaxRetries is how many times a retryable failure is re-dispatched to
	// the same capability within a stage.
	MaxRetries int
	// Fallbacks maps a capability to the one tried once after its retries
	// are exhausted.
	Fallbacks map[string]string
}

// Staged runs a task through ordered stages. A stage with more than one
// capability fans out in parallel and joins before the next stage starts.
type Staged struct {
	cfg Config
}

// NewStaged creates a Staged policy. A negative MaxRetries is treated as 0.
func NewStaged(cfg Config) *Staged {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Staged{cfg: cfg}
}

// ParseStages turns ["manager", "developer+tester"] into stages. Empty
// entries and duplicate capabilities within a stage are dropped.
func ParseStages(specs []string) [][]string {
	var stages [][]string
	for _, spec := range specs {
		var stage []string
		seen := map[string]bool{}
		for _, name := range strings.Split(spec, "+") {
			name = strings.TrimSpace(name)
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			stage = append(stage, name)
		}
		if len(stage) > 0 {
			stages = append(stages, stage)
		}
	}
	return stages
}

func (p *Staged) stagesFor(t *domain.Task) [][]string {
	if s := ParseStages(t.Hints); len(s) > 0 {
		return s
	}
	if len(p.cfg.Stages) > 0 {
		return p.cfg.Stages
	}
	return DefaultStages
}

// slotState is the progress of one capability of a stage.
type slotState struct {
	name     string
	latest   *domain.Step
	attempts map[string]int // capability -> steps dispatched in this stage
}

func (p *Staged) Next(t *domain.Task) Decision {
	stages := p.stagesFor(t)
	if len(t.History) == 0 {
		return Dispatch(p.stageActions(t, stages, 0)...)
	}

	stage := t.LastBatch()[0].Action.Stage
	if stage < 0 || stage >= len(stages) {
		return Fail(fmt.Sprintf("%s: stage %d is out of range", domain.KindHandlerFailure, stage))
	}

	var retries []domain.Action
	for _, slot := range p.slots(t, stages[stage], stage) {
		step := slot.latest
		if step == nil {
			// The stage was entered without this capability.
			retries = append(retries, p.action(t, stages, stage, slot.name, 1))
			continue
		}
		obs := step.Observation
		if obs == nil || !obs.Failed() {
			continue
		}

		used := step.Action.Capability
		switch fallback := p.cfg.Fallbacks[slot.name]; {
		case used == slot.name && obs.Error.Retryable && slot.attempts[used] <= p.cfg.MaxRetries:
			retries = append(retries, p.action(t, stages, stage, used, slot.attempts[used]+1))
		case fallback != "" && fallback != slot.name && slot.attempts[fallback] == 0:
			retries = append(retries, p.action(t, stages, stage, fallback, 1))
		default:
			return Fail(obs.Error.Reason())
		}
	}
	if len(retries) > 0 {
		return Dispatch(retries...)
	}

	if stage+1 < len(stages) {
		return Dispatch(p.stageActions(t, stages, stage+1)...)
	}
	return Finish(stageResult(p.outputs(t, stages[stage], stage), stages[stage]))
}

// slots returns, per capability of the stage, the latest step that served
// it (the capability itself or its fallback) and the attempt counts.
func (p *Staged) slots(t *domain.Task, names []string, stage int) []slotState {
	out := make([]slotState, len(names))
	for i, name := range names {
		s := slotState{name: name, attempts: map[string]int{}}
		fallback := p.cfg.Fallbacks[name]
		for j := range t.History {
			step := &t.History[j]
			if step.Action.Stage != stage {
				continue
			}
			c := step.Action.Capability
			if c != name && (fallback == "" || c != fallback) {
				continue
			}
			s.attempts[c]++
			s.latest = step
		}
		out[i] = s
	}
	return out
}

// outputs collects the successful output of every capability of a stage,
// keyed by the capability name the stage declares.
func (p *Staged) outputs(t *domain.Task, names []string, stage int) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(names))
	for _, s := range p.slots(t, names, stage) {
		if s.latest != nil && s.latest.Observation != nil && !s.latest.Observation.Failed() {
			out[s.name] = s.latest.Observation.Output
		}
	}
	return out
}

func (p *Staged) stageActions(t *domain.Task, stages [][]string, stage int) []domain.Action {
	actions := make([]domain.Action, 0, len(stages[stage]))
	for _, name := range stages[stage] {
		actions = append(actions, p.action(t, stages, stage, name, 1))
	}
	return actions
}

func (p *Staged) action(t *domain.Task, stages [][]string, stage int, name string, attempt int) domain.Action {
	in := capability.StageInput{
		Description: t.Description,
		Context:     t.Context,
		Stage:       stage,
	}
	for s := 0; s < stage; s++ {
		for k, v := range p.outputs(t, stages[s], s) {
			if in.Prior == nil {
				in.Prior = map[string]json.RawMessage{}
			}
			in.Prior[k] = v
		}
	}
	// Prior outputs passed output validation, so they are valid JSON.
	body, _ := json.Marshal(in)
	return domain.Action{Capability: name, Input: body, Stage: stage, Attempt: attempt}
}

func stageResult(outputs map[string]json.RawMessage, names []string) json.RawMessage {
	if len(names) == 1 {
		return outputs[names[0]]
	}
	body, _ := json.Marshal(outputs)
	return body
}
