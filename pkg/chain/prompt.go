package chain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/rhuss/rulechain/pkg/constraints"
)

// Prompt is the rendered input of one gateway call.
type Prompt struct {
	System string
	User   string
}

// Text returns the system and user parts joined, as counted by the
// estimator.
func (p Prompt) Text() string {
	if p.System == "" {
		return p.User
	}
	return p.System + "\n\n" + p.User
}

// PromptData is what task and instruction templates see.
//
//	{{ .Input }}                   the step's input text
//	{{ .Params.rewrite_goal }}     a parameter value
//	{{ .Vars.summary }}            the output of an earlier step that set
//	                               output_variable_name
type PromptData struct {
	TaskType string
	Input    string
	Params   map[string]any
	Vars     map[string]string
}

const defaultSystemPrefix = "You are an assistant that edits fiction manuscripts. " +
	"Reply with the result only, without commentary."

var systemPrefixes = map[string]string{
	"extract_roles":  "You are an assistant that analyses fiction manuscripts. Reply with the requested list only.",
	"translate_text": "You are a literary translator. Preserve tone, names, and formatting. Reply with the translation only.",
}

var taskTemplates = map[string]string{
	"summarize_text": `Summarize the following text{{with .Params.length}} in {{.}}{{end}}.` +
		`{{with .Params.focus}} Focus on {{.}}.{{end}}`,
	"rewrite_text": `Rewrite the following text{{with .Params.rewrite_goal}} so that it is {{.}}{{end}}.` +
		`{{with .Params.style}} Use a {{.}} style.{{end}} Keep the plot and the characters unchanged.`,
	"extract_roles": `List the characters that appear in the following text, one per line` +
		`{{with .Params.fields}}, with their {{.}}{{end}}.`,
	"translate_text": `Translate the following text into {{default "English" .Params.target_language}}.` +
		`{{with .Params.register}} Use a {{.}} register.{{end}}`,
	"expand_text": `Expand the following text{{with .Params.target_length}} to about {{.}} words{{end}}, ` +
		`adding detail without changing what happens.{{with .Params.focus}} Focus on {{.}}.{{end}}`,
	"generic": `Process the following text.{{range $name, $value := .Params}}
{{$name}}: {{$value}}{{end}}`,
}

var funcs = template.FuncMap{
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return string(b)
	},
	"join":  func(sep string, items []string) string { return strings.Join(items, sep) },
	"lower": strings.ToLower,
	"upper": strings.ToUpper,
	"trim":  strings.TrimSpace,
}

var parsedTasks = func() map[string]*template.Template {
	out := make(map[string]*template.Template, len(taskTemplates))
	for name, text := range taskTemplates {
		out[name] = template.Must(template.New(name).Funcs(funcs).Parse(text))
	}
	return out
}()

// TaskTypes returns the task types with a built-in prompt, sorted. Other
// task types use the generic prompt.
func TaskTypes() []string {
	names := make([]string, 0, len(taskTemplates))
	for n := range taskTemplates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func parseInstruction(text string) (*template.Template, error) {
	t, err := template.New("custom_instruction").Funcs(funcs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing custom_instruction: %w", err)
	}
	return t, nil
}

// Render builds the prompt for input. vars holds the outputs of earlier
// steps by output variable name.
func (s *BoundStep) Render(input string, vars map[string]string) (Prompt, error) {
	data := PromptData{
		TaskType: s.TaskType,
		Input:    input,
		Params:   s.rawParams(),
		Vars:     vars,
	}
	if data.Vars == nil {
		data.Vars = map[string]string{}
	}

	tmpl, ok := parsedTasks[s.TaskType]
	if !ok {
		tmpl = parsedTasks["generic"]
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return Prompt{}, fmt.Errorf("rendering %s prompt: %w", s.TaskType, err)
	}

	if s.instruction != nil {
		var ib strings.Builder
		if err := s.instruction.Execute(&ib, data); err != nil {
			return Prompt{}, fmt.Errorf("rendering custom_instruction: %w", err)
		}
		if text := strings.TrimSpace(ib.String()); text != "" {
			b.WriteString("\n\nAdditional instructions:\n")
			b.WriteString(text)
		}
	}

	if hints := constraints.Hints(s.Constraints); len(hints) > 0 {
		b.WriteString("\n\nRequirements:")
		for _, h := range hints {
			b.WriteString("\n- ")
			b.WriteString(h)
		}
	}

	b.WriteString("\n\nText:\n")
	b.WriteString(input)

	system, ok := systemPrefixes[s.TaskType]
	if !ok {
		system = defaultSystemPrefix
	}
	return Prompt{System: system, User: b.String()}, nil
}

func (s *BoundStep) rawParams() map[string]any {
	out := make(map[string]any, len(s.Parameters))
	for name, p := range s.Parameters {
		if p.IsBound() {
			out[name] = p.Value.Raw()
		}
	}
	return out
}
