package notification

import (
	"fmt"
	"strings"
	"sync"
)

type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine renders {{key}} placeholders. Unknown keys are left as-is.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.RegisterTemplate(Template{
		ID:      EventStatusChanged,
		Name:    "Case Status Changed",
		Subject: "[{{case_reference}}] {{status}}",
		Body: "Case {{case_reference}} at {{hospital}} ({{doctor}}, surgery on {{date_of_surgery}}) " +
			"moved from {{previous_status}} to {{status}} by {{processed_by}} at {{timestamp}}.\n\n{{details}}",
	})
	e.RegisterTemplate(Template{
		ID:      EventCaseAmended,
		Name:    "Case Amended",
		Subject: "[{{case_reference}}] Case amended",
		Body: "Case {{case_reference}} at {{hospital}} was amended by {{amended_by}} at {{timestamp}}.\n" +
			"Reason: {{reason}}\n\nChanges:\n{{changes}}",
	})
	return e
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render renders a registered template.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}
	return Fill(t.Subject, data), Fill(t.Body, data), nil
}

// Fill replaces every {{key}} in s with data[key].
func Fill(s string, data map[string]string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}
