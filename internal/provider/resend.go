package provider

import (
	"context"
	"log/slog"
	"regexp"

	"github.com/resend/resend-go/v3"

	"github.com/postwave/postwave/internal/credstore"
)

// ResendAdapter delivers through the Resend transactional email API
type ResendAdapter struct {
	logger *slog.Logger

	// newClient is swappable for tests
	newClient func(apiKey string) resendEmails
}

type resendEmails interface {
	SendWithContext(ctx context.Context, req *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

type resendClient struct {
	c *resend.Client
}

func (rc resendClient) SendWithContext(ctx context.Context, req *resend.SendEmailRequest) (*resend.SendEmailResponse, error) {
	return rc.c.Emails.SendWithContext(ctx, req)
}

// NewResendAdapter creates a transactional API adapter
func NewResendAdapter(logger *slog.Logger) *ResendAdapter {
	return &ResendAdapter{
		logger: logger,
		newClient: func(apiKey string) resendEmails {
			return resendClient{c: resend.NewClient(apiKey)}
		},
	}
}

// Kind returns KindTransactional
func (a *ResendAdapter) Kind() Kind {
	return KindTransactional
}

// Send performs one API call
func (a *ResendAdapter) Send(ctx context.Context, msg *Message, creds *credstore.Credentials) (*Result, error) {
	if creds.APIKey == "" {
		return nil, permanentErr("transactional API key is missing")
	}

	from := msg.From
	if msg.FromName != "" {
		from = msg.FromName + " <" + msg.From + ">"
	}

	req := &resend.SendEmailRequest{
		From:    from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
		ReplyTo: msg.ReplyTo,
		Headers: msg.Headers,
	}

	resp, err := a.newClient(creds.APIKey).SendWithContext(ctx, req)
	if err != nil {
		if ce := classifyCtxErr(ctx.Err()); ce != nil {
			return nil, ce
		}
		return nil, classifyHTTPError(err)
	}

	a.logger.Debug("message accepted", "provider", a.Kind(), "to", msg.To, "message_id", resp.Id)
	return &Result{MessageID: resp.Id}, nil
}

// httpCodePattern matches HTTP status codes reported in API error strings
var httpCodePattern = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)

// classifyHTTPError maps an API error to a SendError. HTTP 4xx responses
// are permanent except 429 (throttled); 5xx and network errors are
// transient.
func classifyHTTPError(err error) *SendError {
	matches := httpCodePattern.FindStringSubmatch(err.Error())
	if len(matches) > 1 {
		code := matches[1]
		if code == "429" {
			return transientErr("provider throttled: %v", err)
		}
		if code[0] == '4' {
			return permanentErr("provider rejected: %v", err)
		}
	}
	return transientErr("provider error: %v", err)
}
