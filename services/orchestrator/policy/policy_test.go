package policy_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-agent-flow/internal/capability"
	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
	"github.com/ramiqadoumi/go-agent-flow/services/orchestrator/policy"
)

// history builder: each call appends one batch and observes it.
type builder struct {
	t *domain.Task
}

func newTask(hints ...string) *builder {
	return &builder{t: &domain.Task{ID: "t1", Description: "write a function that adds two numbers", Hints: hints, Status: domain.StatusRunning}}
}

func (b *builder) apply(actions []domain.Action, obs ...domain.Observation) *builder {
	batch := b.t.LastBatchNumber() + 1
	for i, a := range actions {
		o := obs[i]
		b.t.History = append(b.t.History, domain.Step{
			Index:       len(b.t.History),
			Batch:       batch,
			Action:      a,
			Observation: &o,
			Status:      domain.StepObserved,
		})
	}
	return b
}

func ok(out string) domain.Observation { return domain.Observation{Output: json.RawMessage(out)} }

func timeout() domain.Observation {
	return domain.Observation{Error: &domain.StepError{Kind: domain.KindHandlerTimeout, Message: `handler "developer" did not finish within 1s`, Retryable: true}}
}

func failure(retryable bool) domain.Observation {
	return domain.Observation{Error: &domain.StepError{Kind: domain.KindHandlerFailure, Message: "boom", Retryable: retryable}}
}

func capabilities(d policy.Decision) []string {
	var names []string
	for _, a := range d.Actions {
		names = append(names, a.Capability)
	}
	return names
}

func TestParseStages(t *testing.T) {
	got := policy.ParseStages([]string{"manager", " developer + tester ", "", "a+a", "+"})
	assert.Equal(t, [][]string{{"manager"}, {"developer", "tester"}, {"a"}}, got)
	assert.Nil(t, policy.ParseStages(nil))
}

func TestStaged_DefaultCrewRunsSequentially(t *testing.T) {
	p := policy.NewStaged(policy.Config{MaxRetries: 1})
	b := newTask()

	d := p.Next(b.t)
	require.Equal(t, policy.KindDispatch, d.Kind)
	assert.Equal(t, []string{"manager"}, capabilities(d))
	assert.Equal(t, 0, d.Actions[0].Stage)
	assert.Equal(t, 1, d.Actions[0].Attempt)

	b.apply(d.Actions, ok(`{"plan":"1. add"}`))
	d = p.Next(b.t)
	assert.Equal(t, []string{"developer"}, capabilities(d))

	var in capability.StageInput
	require.NoError(t, json.Unmarshal(d.Actions[0].Input, &in))
	assert.Equal(t, 1, in.Stage)
	assert.Equal(t, "write a function that adds two numbers", in.Description)
	assert.JSONEq(t, `{"plan":"1. add"}`, string(in.Prior["manager"]))

	b.apply(d.Actions, ok(`{"code":"func add"}`))
	d = p.Next(b.t)
	assert.Equal(t, []string{"tester"}, capabilities(d))
	require.NoError(t, json.Unmarshal(d.Actions[0].Input, &in))
	assert.Len(t, in.Prior, 2)

	b.apply(d.Actions, ok(`{"report":"all good"}`))
	d = p.Next(b.t)
	require.Equal(t, policy.KindFinish, d.Kind)
	assert.JSONEq(t, `{"report":"all good"}`, string(d.Result))
}

func TestStaged_HintsOverrideConfig(t *testing.T) {
	p := policy.NewStaged(policy.Config{Stages: [][]string{{"manager"}}})

	d := p.Next(newTask("developer").t)
	assert.Equal(t, []string{"developer"}, capabilities(d))

	d = p.Next(newTask().t)
	assert.Equal(t, []string{"manager"}, capabilities(d), "config stages apply without hints")
}

func TestStaged_SingleDeveloperFinishesWithCode(t *testing.T) {
	p := policy.NewStaged(policy.Config{})
	b := newTask("developer")
	b.apply(p.Next(b.t).Actions, ok(`{"code":"func add(a, b int) int { return a + b }"}`))

	d := p.Next(b.t)
	require.Equal(t, policy.KindFinish, d.Kind)
	assert.JSONEq(t, `{"code":"func add(a, b int) int { return a + b }"}`, string(d.Result))
}

func TestStaged_ParallelStageJoinsIntoKeyedResult(t *testing.T) {
	p := policy.NewStaged(policy.Config{})
	b := newTask("developer+tester")

	d := p.Next(b.t)
	require.Equal(t, []string{"developer", "tester"}, capabilities(d))
	b.apply(d.Actions, ok(`{"code":"c"}`), ok(`{"report":"r"}`))

	d = p.Next(b.t)
	require.Equal(t, policy.KindFinish, d.Kind)
	assert.JSONEq(t, `{"developer":{"code":"c"},"tester":{"report":"r"}}`, string(d.Result))
}

func TestStaged_TimeoutRetriedOnceThenFails(t *testing.T) {
	p := policy.NewStaged(policy.Config{MaxRetries: 1})
	b := newTask("developer")

	b.apply(p.Next(b.t).Actions, timeout())
	d := p.Next(b.t)
	require.Equal(t, policy.KindDispatch, d.Kind)
	assert.Equal(t, []string{"developer"}, capabilities(d))
	assert.Equal(t, 2, d.Actions[0].Attempt)

	b.apply(d.Actions, timeout())
	d = p.Next(b.t)
	require.Equal(t, policy.KindFail, d.Kind)
	assert.Equal(t, `HandlerTimeout: handler "developer" did not finish within 1s`, d.Reason)
}

func TestStaged_NonRetryableFailsImmediately(t *testing.T) {
	p := policy.NewStaged(policy.Config{MaxRetries: 3})
	b := newTask("developer")
	b.apply(p.Next(b.t).Actions, failure(false))

	d := p.Next(b.t)
	require.Equal(t, policy.KindFail, d.Kind)
	assert.Equal(t, "HandlerFailure: boom", d.Reason)
}

func TestStaged_FallbackTriedOnceAfterRetries(t *testing.T) {
	p := policy.NewStaged(policy.Config{MaxRetries: 0, Fallbacks: map[string]string{"developer": "senior"}})
	b := newTask("developer", "tester")

	b.apply(p.Next(b.t).Actions, failure(true))
	d := p.Next(b.t)
	require.Equal(t, []string{"senior"}, capabilities(d))
	assert.Equal(t, 0, d.Actions[0].Stage)

	b.apply(d.Actions, ok(`{"code":"from senior"}`))
	d = p.Next(b.t)
	require.Equal(t, []string{"tester"}, capabilities(d))
	var in capability.StageInput
	require.NoError(t, json.Unmarshal(d.Actions[0].Input, &in))
	assert.JSONEq(t, `{"code":"from senior"}`, string(in.Prior["developer"]), "fallback output fills the developer slot")

	// A failing fallback is not retried.
	b2 := newTask("developer")
	b2.apply(p.Next(b2.t).Actions, failure(true))
	b2.apply(p.Next(b2.t).Actions, failure(true))
	d = p.Next(b2.t)
	require.Equal(t, policy.KindFail, d.Kind)
}

func TestStaged_ParallelRetryKeepsSuccessfulSibling(t *testing.T) {
	p := policy.NewStaged(policy.Config{MaxRetries: 1})
	b := newTask("developer+tester")

	b.apply(p.Next(b.t).Actions, ok(`{"code":"c"}`), timeout())
	d := p.Next(b.t)
	require.Equal(t, []string{"tester"}, capabilities(d), "only the failed branch is re-dispatched")

	b.apply(d.Actions, ok(`{"report":"r"}`))
	d = p.Next(b.t)
	require.Equal(t, policy.KindFinish, d.Kind)
	assert.JSONEq(t, `{"developer":{"code":"c"},"tester":{"report":"r"}}`, string(d.Result))
}

func TestStaged_Deterministic(t *testing.T) {
	p := policy.NewStaged(policy.Config{MaxRetries: 1})
	b := newTask("manager", "developer+tester")
	b.apply(p.Next(b.t).Actions, ok(`{"plan":"p"}`))

	first := p.Next(b.t)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, p.Next(b.t.Clone()))
	}
}
