package ralph

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"ralphd/internal/backpressure"
)

const defaultInitialTemplate = `{{.Task}}

Work on this task iteratively. This is iteration {{.Iteration}} of at most {{.MaxIterations}}.
{{- if .Commands}}

Your work is validated after each iteration by running:
{{- range .Commands}}
  - {{.}}
{{- end}}
{{- end}}

When the task is fully done and validation passes, end your reply with both of these lines:
{{.CompletionPromise}}
{{.ExitSignalKey}}
Do not print them before then.
`

const defaultFollowupTemplate = `Continue working on the task. This is iteration {{.Iteration}} of at most {{.MaxIterations}}.
{{- if .Feedback}}

Validation failed after the previous iteration:
{{.Feedback}}

Fix these failures before doing anything else.
{{- end}}

Task:
{{.Task}}

When the task is fully done and validation passes, end your reply with both of these lines:
{{.CompletionPromise}}
{{.ExitSignalKey}}
`

// PromptData is the data available to prompt templates.
type PromptData struct {
	Task              string
	Iteration         int
	MaxIterations     int
	CompletionPromise string
	ExitSignalKey     string
	Feedback          string
	Commands          []string
}

// PromptBuilder renders the prompt for each iteration.
type PromptBuilder struct {
	system   *template.Template
	initial  *template.Template
	followup *template.Template
}

// NewPromptBuilder parses the templates, falling back to the built-in ones
// for empty fields.
func NewPromptBuilder(t PromptTemplates) (*PromptBuilder, error) {
	initialSrc := t.Initial
	if initialSrc == "" {
		initialSrc = defaultInitialTemplate
	}
	followupSrc := t.Followup
	if followupSrc == "" {
		followupSrc = defaultFollowupTemplate
	}

	b := &PromptBuilder{}
	var err error
	if b.initial, err = template.New("initial").Parse(initialSrc); err != nil {
		return nil, fmt.Errorf("%w: initial prompt template: %v", ErrInvalidConfig, err)
	}
	if b.followup, err = template.New("followup").Parse(followupSrc); err != nil {
		return nil, fmt.Errorf("%w: followup prompt template: %v", ErrInvalidConfig, err)
	}
	if t.System != "" {
		if b.system, err = template.New("system").Parse(t.System); err != nil {
			return nil, fmt.Errorf("%w: system prompt template: %v", ErrInvalidConfig, err)
		}
	}
	return b, nil
}

// Build renders the prompt for d.Iteration. Iteration 1 uses the initial
// template, later iterations the follow-up one.
func (b *PromptBuilder) Build(d PromptData) (string, error) {
	tmpl := b.followup
	if d.Iteration <= 1 {
		tmpl = b.initial
	}

	var buf bytes.Buffer
	if b.system != nil {
		if err := b.system.Execute(&buf, d); err != nil {
			return "", fmt.Errorf("render system prompt: %w", err)
		}
		if buf.Len() > 0 && !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
			buf.WriteByte('\n')
		}
		buf.WriteByte('\n')
	}
	if err := tmpl.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", tmpl.Name(), err)
	}
	return strings.TrimSpace(buf.String()) + "\n", nil
}

func commandLines(cmds []backpressure.Command) []string {
	lines := make([]string, 0, len(cmds))
	for _, c := range cmds {
		lines = append(lines, c.Run)
	}
	return lines
}
