package template

import (
	"fmt"
	"time"
)

// Template is an email template owned by an account. Subject, HTML and
// Text bodies share one variable namespace filled from recipient fields.
type Template struct {
	ID        string         `json:"id"`
	Account   string         `json:"account"`
	Name      string         `json:"name"`
	Subject   string         `json:"subject"`
	HTML      string         `json:"html,omitempty"`
	Text      string         `json:"text,omitempty"`
	Variables []VariableInfo `json:"variables,omitempty"`
	Version   int            `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// VariableInfo documents a template variable
type VariableInfo struct {
	Name     string `json:"name"`
	Required bool   `json:"required,omitempty"`
	Example  string `json:"example,omitempty"`
}

// RenderResult contains rendered template output
type RenderResult struct {
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
}

// RenderError is a per-recipient rendering failure. Rendering is
// deterministic, so these are never retried.
type RenderError struct {
	TemplateID string
	Reason     string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("template %s: %s", e.TemplateID, e.Reason)
}

// ListFilter contains filters for listing templates
type ListFilter struct {
	Account string
	Limit   int
	Offset  int
}
