package tools_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-agent-flow/internal/capability"
	"github.com/ramiqadoumi/go-agent-flow/internal/capability/tools"
)

var stageInput = json.RawMessage(`{"description":"add two numbers","stage":1,"prior":{"developer":{"code":"func add(a, b int) int { return a + b }"}}}`)

func TestWebhook_PostsStageInput(t *testing.T) {
	var (
		gotMethod string
		gotBody   []byte
		gotHeader string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Token")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := tools.NewWebhook(tools.WebhookConfig{URL: srv.URL, Headers: map[string]string{"X-Token": "abc"}})
	out, err := h.Handle(context.Background(), stageInput)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod, "method should default to POST")
	assert.Equal(t, "abc", gotHeader)
	assert.JSONEq(t, string(stageInput), string(gotBody))
	assert.JSONEq(t, `{"status_code":202}`, string(out))
}

func TestWebhook_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := tools.NewWebhook(tools.WebhookConfig{URL: srv.URL}).Handle(context.Background(), stageInput)
	require.Error(t, err)
	assert.True(t, capability.IsPermanent(err))
}

func TestWebhook_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := tools.NewWebhook(tools.WebhookConfig{URL: srv.URL, Method: http.MethodPut}).Handle(context.Background(), stageInput)
	require.Error(t, err, "status 500 should produce an error")
	assert.False(t, capability.IsPermanent(err))
}

func TestRegister_OnlyConfiguredTools(t *testing.T) {
	reg := capability.NewRegistry()
	require.NoError(t, tools.Register(reg, tools.Config{
		Webhook: tools.WebhookConfig{URL: "http://example.invalid/hook"},
		Email:   tools.EmailConfig{Host: "localhost"}, // no recipient
	}))
	assert.Equal(t, []string{tools.WebhookName}, reg.Names())
	assert.NoError(t, reg.Validate(tools.WebhookName, stageInput))
	assert.Error(t, reg.Validate(tools.WebhookName, json.RawMessage(`{"stage":0}`)))
}
