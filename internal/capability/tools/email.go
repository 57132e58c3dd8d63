package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/smtp"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-agent-flow/internal/capability"
)

// EmailName is the capability name of the email tool.
const EmailName = "email"

const emailOutputSchema = `{"type":"object","required":["to"],"properties":{"to":{"type":"string"}}}`

// EmailConfig holds SMTP connection details and the fixed recipient.
type EmailConfig struct {
	Host     string
	Port     int
	From     string
	To       string
	Username string
	Password string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email mails a summary of the earlier stages' output via SMTP.
type Email struct {
	cfg  EmailConfig
	send sendFunc
}

// NewEmail creates an Email tool from config.
func NewEmail(cfg EmailConfig) *Email {
	return &Email{cfg: cfg, send: smtp.SendMail}
}

func (h *Email) Handle(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	ctx, span := otel.Tracer("worker").Start(ctx, "capability.email")
	defer span.End()

	var in capability.StageInput
	if err := json.Unmarshal(input, &in); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid input")
		return nil, capability.Permanent(fmt.Errorf("invalid email input: %w", err))
	}

	span.SetAttributes(attribute.String("email.to", h.cfg.To))

	addr := fmt.Sprintf("%s:%d", h.cfg.Host, h.cfg.Port)
	msg := buildMIME(h.cfg.From, h.cfg.To, subject(in.Description), body(in))

	var auth smtp.Auth
	if h.cfg.Username != "" {
		auth = smtp.PlainAuth("", h.cfg.Username, h.cfg.Password, h.cfg.Host)
	}

	// Run the blocking SMTP call in a goroutine so we respect ctx cancellation.
	done := make(chan error, 1)
	go func() {
		done <- h.send(addr, auth, h.cfg.From, []string{h.cfg.To}, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "smtp send failed")
			return nil, fmt.Errorf("smtp send to %s: %w", h.cfg.To, err)
		}
		return json.Marshal(map[string]string{"to": h.cfg.To})
	case <-ctx.Done():
		err := fmt.Errorf("email send timed out: %w", ctx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, "timeout")
		return nil, err
	}
}

func subject(description string) string {
	s := strings.Join(strings.Fields(description), " ")
	if r := []rune(s); len(r) > 60 {
		s = string(r[:60]) + "..."
	}
	return "AgentFlow: " + s
}

func body(in capability.StageInput) string {
	var b strings.Builder
	b.WriteString(in.Description)
	names := make([]string, 0, len(in.Prior))
	for n := range in.Prior {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(&b, "\n\n== %s ==\n%s", n, priorText(in.Prior[n]))
	}
	return b.String()
}

func priorText(raw json.RawMessage) string {
	var obj map[string]string
	if err := json.Unmarshal(raw, &obj); err == nil && len(obj) == 1 {
		for _, v := range obj {
			return v
		}
	}
	return string(raw)
}

func buildMIME(from, to, subject, body string) []byte {
	msg := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		from, to, subject, body,
	)
	return []byte(msg)
}
