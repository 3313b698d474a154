package template

import (
	"strings"
	"testing"
)

func TestRenderSubjectAndBodies(t *testing.T) {
	engine := NewEngine()
	tmpl := &Template{
		ID:      "t1",
		Subject: "Welcome, {{.first_name}}!",
		HTML:    "<p>Hello {{.first_name}} from {{.company}}</p>",
		Text:    "Hello {{.first_name}} from {{.company}}",
	}

	result, err := engine.Render(tmpl, map[string]string{
		"first_name": "Alice",
		"company":    "Acme",
	})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if result.Subject != "Welcome, Alice!" {
		t.Errorf("subject = %q", result.Subject)
	}
	if result.HTML != "<p>Hello Alice from Acme</p>" {
		t.Errorf("html = %q", result.HTML)
	}
	if result.Text != "Hello Alice from Acme" {
		t.Errorf("text = %q", result.Text)
	}
}

func TestRenderHTMLEscaping(t *testing.T) {
	engine := NewEngine()
	tmpl := &Template{
		ID:      "t1",
		Subject: "s",
		HTML:    "<p>{{.name}}</p>",
	}

	result, err := engine.Render(tmpl, map[string]string{"name": "<script>x</script>"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if strings.Contains(result.HTML, "<script>") {
		t.Errorf("html output not escaped: %q", result.HTML)
	}
}

func TestRenderMissingRequiredVariable(t *testing.T) {
	engine := NewEngine()
	tmpl := &Template{
		ID:      "t1",
		Subject: "Hi {{.first_name}}",
		Text:    "body",
		Variables: []VariableInfo{
			{Name: "first_name", Required: true},
		},
	}

	_, err := engine.Render(tmpl, map[string]string{"company": "Acme"})
	if err == nil {
		t.Fatal("expected error for missing required variable")
	}
	if !IsRenderError(err) {
		t.Errorf("expected RenderError, got %T", err)
	}
	if !strings.Contains(err.Error(), "first_name") {
		t.Errorf("error should name the missing variable: %v", err)
	}
}

func TestRenderOptionalVariableMissing(t *testing.T) {
	engine := NewEngine()
	tmpl := &Template{
		ID:      "t1",
		Subject: "Hi",
		Text:    "Greetings {{.nickname}}",
		Variables: []VariableInfo{
			{Name: "nickname", Required: false},
		},
	}

	if _, err := engine.Render(tmpl, map[string]string{}); err != nil {
		t.Fatalf("optional variable should not fail the render: %v", err)
	}
}

func TestRenderBadSyntax(t *testing.T) {
	engine := NewEngine()
	tmpl := &Template{ID: "t1", Subject: "{{.broken", Text: "body"}

	_, err := engine.Render(tmpl, map[string]string{})
	if err == nil {
		t.Fatal("expected error for broken template syntax")
	}
	if !IsRenderError(err) {
		t.Errorf("expected RenderError, got %T", err)
	}
}

func TestValidate(t *testing.T) {
	engine := NewEngine()

	if err := engine.Validate(&Template{Subject: "ok", Text: "ok"}); err != nil {
		t.Errorf("valid template rejected: %v", err)
	}
	if err := engine.Validate(&Template{Text: "no subject"}); err == nil {
		t.Error("template without subject should be invalid")
	}
	if err := engine.Validate(&Template{Subject: "s"}); err == nil {
		t.Error("template without a body should be invalid")
	}
	if err := engine.Validate(&Template{Subject: "{{.x", Text: "b"}); err == nil {
		t.Error("broken subject syntax should be invalid")
	}
}
