package messenger

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
)

// missingKeyText is how text/template reports an absent map key under
// missingkey=error. html/template returns that error unchanged. There is
// no typed error for it, so both variants are pinned by tests.
const missingKeyText = "map has no entry for key"

type executor interface {
	Execute(w *bytes.Buffer, data any) error
}

type textExec struct{ t *texttemplate.Template }

func (e textExec) Execute(w *bytes.Buffer, data any) error { return e.t.Execute(w, data) }

type htmlExec struct{ t *htmltemplate.Template }

func (e htmlExec) Execute(w *bytes.Buffer, data any) error { return e.t.Execute(w, data) }

// Template renders approvement messages. Rendering is strict: a field
// referenced by the template but absent from the data is an error, never
// an empty string.
type Template struct {
	name string
	exec executor
}

// ParseTemplate parses a plain-text template.
func ParseTemplate(name, text string) (*Template, error) {
	t, err := texttemplate.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing template %s: %w", name, err)
	}
	return &Template{name: name, exec: textExec{t}}, nil
}

// ParseHTMLTemplate parses a template whose interpolated values are
// HTML-escaped.
func ParseHTMLTemplate(name, text string) (*Template, error) {
	t, err := htmltemplate.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing template %s: %w", name, err)
	}
	return &Template{name: name, exec: htmlExec{t}}, nil
}

// Render executes the template against data.
func (t *Template) Render(data map[string]any) (string, error) {
	if data == nil {
		data = map[string]any{}
	}
	var buf bytes.Buffer
	if err := t.exec.Execute(&buf, data); err != nil {
		if strings.Contains(err.Error(), missingKeyText) {
			return "", fmt.Errorf("%w: %v", ErrTemplateFieldMissing, err)
		}
		return "", fmt.Errorf("rendering template %s: %w", t.name, err)
	}
	return buf.String(), nil
}
