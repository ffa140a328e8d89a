package ollama

import (
	"fmt"
	"strings"
	"text/template"
)

// RenderTemplate executes a prompt template against data. A map key the
// template references but data lacks is an error instead of "<no value>",
// and surrounding whitespace is trimmed from the result.
func RenderTemplate(tmpl string, data any) (string, error) {
	t, err := template.New("prompt").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse prompt: %w", err)
	}

	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("execute prompt: %w", err)
	}
	return strings.TrimSpace(sb.String()), nil
}
