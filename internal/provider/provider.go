package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/postwave/postwave/internal/credstore"
)

// Kind identifies a delivery backend. The set is closed: each kind maps
// to exactly one adapter implementation.
type Kind string

const (
	// KindTransactional is an HTTP transactional email API
	KindTransactional Kind = "transactional"
	// KindSMTPRelay is a shared authenticated SMTP relay
	KindSMTPRelay Kind = "smtp_relay"
	// KindOAuthMailbox is an OAuth-authenticated mailbox API
	KindOAuthMailbox Kind = "oauth_mailbox"
	// KindCustomSMTP is a per-account SMTP server
	KindCustomSMTP Kind = "custom_smtp"
)

// Valid reports whether the kind is one of the closed set
func (k Kind) Valid() bool {
	switch k {
	case KindTransactional, KindSMTPRelay, KindOAuthMailbox, KindCustomSMTP:
		return true
	}
	return false
}

// Message is a fully rendered email ready for one delivery attempt
type Message struct {
	From     string
	FromName string
	To       string
	ReplyTo  string
	Subject  string
	HTML     string
	Text     string
	Headers  map[string]string
}

// Result is a successful send
type Result struct {
	// MessageID is the provider-assigned identifier, empty if the
	// provider does not report one
	MessageID string
}

// SendError is a classified delivery failure. Classification happens at
// the adapter boundary so dispatch retry logic stays provider-agnostic.
type SendError struct {
	Permanent bool
	Reason    string
}

func (e *SendError) Error() string {
	return e.Reason
}

// permanentErr creates a permanent send error
func permanentErr(format string, args ...any) *SendError {
	return &SendError{Permanent: true, Reason: fmt.Sprintf(format, args...)}
}

// transientErr creates a transient send error
func transientErr(format string, args ...any) *SendError {
	return &SendError{Permanent: false, Reason: fmt.Sprintf(format, args...)}
}

// IsPermanent reports whether err is a permanently failed send. Unknown
// errors (including timeouts and network failures) count as transient.
func IsPermanent(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Permanent
	}
	return false
}

// Adapter performs exactly one network send per call. Adapters never
// retry internally: retries belong to the dispatcher so rate accounting
// stays centralized.
type Adapter interface {
	Kind() Kind
	Send(ctx context.Context, msg *Message, creds *credstore.Credentials) (*Result, error)
}

// Pool routes sends to the adapter for a provider kind
type Pool struct {
	adapters map[Kind]Adapter
}

// NewPool creates a pool from the given adapters
func NewPool(adapters ...Adapter) *Pool {
	p := &Pool{adapters: make(map[Kind]Adapter, len(adapters))}
	for _, a := range adapters {
		p.adapters[a.Kind()] = a
	}
	return p
}

// Adapter returns the adapter for a kind
func (p *Pool) Adapter(kind Kind) (Adapter, error) {
	a, ok := p.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("no adapter for provider kind %q", kind)
	}
	return a, nil
}

// classifyCtxErr maps context termination to a transient error; a send
// timeout must never be treated as a permanent rejection
func classifyCtxErr(err error) *SendError {
	if errors.Is(err, context.DeadlineExceeded) {
		return transientErr("send timed out: %v", err)
	}
	if errors.Is(err, context.Canceled) {
		return transientErr("send cancelled: %v", err)
	}
	return nil
}
