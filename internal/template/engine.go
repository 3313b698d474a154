package template

import (
	"bytes"
	"errors"
	"fmt"
	htmlTemplate "html/template"
	textTemplate "text/template"
)

// Engine renders templates with recipient fields
type Engine struct{}

// NewEngine creates a new template engine
func NewEngine() *Engine {
	return &Engine{}
}

// Render renders a template for one recipient. Missing required
// variables and execution failures return a *RenderError.
func (e *Engine) Render(tmpl *Template, fields map[string]string) (*RenderResult, error) {
	for _, v := range tmpl.Variables {
		if !v.Required {
			continue
		}
		if _, ok := fields[v.Name]; !ok {
			return nil, &RenderError{
				TemplateID: tmpl.ID,
				Reason:     fmt.Sprintf("required variable %q is missing", v.Name),
			}
		}
	}

	data := make(map[string]any, len(fields))
	for k, v := range fields {
		data[k] = v
	}

	result := &RenderResult{}

	subject, err := e.renderText("subject", tmpl.Subject, data)
	if err != nil {
		return nil, &RenderError{TemplateID: tmpl.ID, Reason: fmt.Sprintf("subject: %v", err)}
	}
	result.Subject = subject

	if tmpl.HTML != "" {
		html, err := e.renderHTML("html", tmpl.HTML, data)
		if err != nil {
			return nil, &RenderError{TemplateID: tmpl.ID, Reason: fmt.Sprintf("html body: %v", err)}
		}
		result.HTML = html
	}

	if tmpl.Text != "" {
		text, err := e.renderText("text", tmpl.Text, data)
		if err != nil {
			return nil, &RenderError{TemplateID: tmpl.ID, Reason: fmt.Sprintf("text body: %v", err)}
		}
		result.Text = text
	}

	return result, nil
}

// Validate checks template syntax without rendering
func (e *Engine) Validate(tmpl *Template) error {
	if tmpl.Subject == "" {
		return errors.New("template subject is required")
	}
	if tmpl.HTML == "" && tmpl.Text == "" {
		return errors.New("template needs an html or text body")
	}
	if _, err := textTemplate.New("subject").Parse(tmpl.Subject); err != nil {
		return fmt.Errorf("invalid subject template: %w", err)
	}
	if tmpl.HTML != "" {
		if _, err := htmlTemplate.New("html").Parse(tmpl.HTML); err != nil {
			return fmt.Errorf("invalid html template: %w", err)
		}
	}
	if tmpl.Text != "" {
		if _, err := textTemplate.New("text").Parse(tmpl.Text); err != nil {
			return fmt.Errorf("invalid text template: %w", err)
		}
	}
	return nil
}

// IsRenderError reports whether err is a per-recipient render failure
func IsRenderError(err error) bool {
	var re *RenderError
	return errors.As(err, &re)
}

func (e *Engine) renderText(name, tmplStr string, data map[string]any) (string, error) {
	t, err := textTemplate.New(name).Option("missingkey=zero").Parse(tmplStr)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (e *Engine) renderHTML(name, tmplStr string, data map[string]any) (string, error) {
	t, err := htmlTemplate.New(name).Option("missingkey=zero").Parse(tmplStr)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
