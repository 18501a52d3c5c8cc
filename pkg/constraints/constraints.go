// Package constraints evaluates a step's generation constraints against its
// final output. Declarative limits (length, format, required and forbidden
// terms) are checked directly; named expressions are CEL programs over the
// output.
package constraints

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"

	"github.com/rhuss/rulechain/pkg/api"
)

// costLimit bounds the work a single expression may do.
const costLimit = 1_000_000

// Result keys. Term and expression keys are suffixed with the term or the
// expression name, e.g. "must_include:Alice" or "expr:no_dialogue".
const (
	KeyMaxLength    = "max_length"
	KeyMinLength    = "min_length"
	KeyOutputFormat = "output_format"
	KeyMustInclude  = "must_include:"
	KeyMustExclude  = "must_exclude:"
	KeyExpression   = "expr:"
)

// Evaluator checks outputs against constraints. Compiled CEL programs are
// cached by expression text; an Evaluator is safe for concurrent use.
type Evaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewEvaluator creates an Evaluator. Expressions see the variables
// output (string), length (int, in characters), words (int), lines (int),
// and task_type (string), plus the CEL string extension functions.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("output", cel.StringType),
		cel.Variable("length", cel.IntType),
		cel.Variable("words", cel.IntType),
		cel.Variable("lines", cel.IntType),
		cel.Variable("task_type", cel.StringType),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}
	return &Evaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

// Compile checks that expr is a valid boolean expression and caches its
// program.
func (e *Evaluator) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

// Validate compiles every expression in c.
func (e *Evaluator) Validate(c *api.GenerationConstraints) error {
	if c == nil {
		return nil
	}
	for _, name := range sortedKeys(c.Expressions) {
		if err := e.Compile(c.Expressions[name]); err != nil {
			return fmt.Errorf("expression %q: %w", name, err)
		}
	}
	return nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must evaluate to bool, got %s", ast.OutputType())
	}
	prg, err := e.env.Program(ast, cel.CostLimit(costLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	e.mu.Lock()
	e.programs[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

// Evaluate returns one entry per constraint in c, true when output
// satisfies it. Expressions that fail to compile or evaluate count as
// unsatisfied. A nil or empty c yields nil.
func (e *Evaluator) Evaluate(c *api.GenerationConstraints, output, taskType string) map[string]bool {
	if c.IsZero() {
		return nil
	}
	res := make(map[string]bool)
	length := utf8.RuneCountInString(output)

	if c.MaxLength != nil {
		res[KeyMaxLength] = length <= *c.MaxLength
	}
	if c.MinLength != nil {
		res[KeyMinLength] = length >= *c.MinLength
	}
	if c.OutputFormat != "" {
		res[KeyOutputFormat] = MatchesFormat(output, c.OutputFormat)
	}

	folded := strings.ToLower(output)
	for _, term := range c.MustInclude {
		res[KeyMustInclude+term] = strings.Contains(folded, strings.ToLower(term))
	}
	for _, term := range c.MustExclude {
		res[KeyMustExclude+term] = !strings.Contains(folded, strings.ToLower(term))
	}

	if len(c.Expressions) > 0 {
		vars := map[string]any{
			"output":    output,
			"length":    int64(length),
			"words":     int64(len(strings.Fields(output))),
			"lines":     int64(countLines(output)),
			"task_type": taskType,
		}
		for name, expr := range c.Expressions {
			res[KeyExpression+name] = e.evalBool(expr, vars)
		}
	}
	return res
}

func (e *Evaluator) evalBool(expr string, vars map[string]any) bool {
	prg, err := e.program(expr)
	if err != nil {
		return false
	}
	out, _, err := prg.Eval(vars)
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// AllSatisfied reports whether every entry in res is true.
func AllSatisfied(res map[string]bool) bool {
	for _, ok := range res {
		if !ok {
			return false
		}
	}
	return true
}

var markdownMarkup = regexp.MustCompile("(?m)^#{1,6}\\s|^\\s*[-*+]\\s|^\\s*\\d+\\.\\s|\\*\\*[^*]+\\*\\*|\\[[^\\]]+\\]\\([^)]+\\)|^```|^>\\s")

// MatchesFormat reports whether text looks like the given output format.
// json requires a single valid JSON value; markdown requires at least one
// Markdown construct; plain requires none and rejects JSON documents.
func MatchesFormat(text, format string) bool {
	trimmed := strings.TrimSpace(text)
	switch format {
	case api.OutputFormatJSON:
		return trimmed != "" && json.Valid([]byte(trimmed))
	case api.OutputFormatMarkdown:
		return markdownMarkup.MatchString(text)
	case api.OutputFormatPlain:
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			if json.Valid([]byte(trimmed)) {
				return false
			}
		}
		return !markdownMarkup.MatchString(text)
	}
	return false
}

// Merge combines chain-level and step-level constraints. Step fields win
// when set; the merge is shallow, so a step list replaces the chain list.
// Expressions are merged by name.
func Merge(global, step *api.GenerationConstraints) *api.GenerationConstraints {
	if global.IsZero() && step.IsZero() {
		return nil
	}
	out := &api.GenerationConstraints{}
	for _, c := range []*api.GenerationConstraints{global, step} {
		if c == nil {
			continue
		}
		if c.MaxLength != nil {
			out.MaxLength = c.MaxLength
		}
		if c.MinLength != nil {
			out.MinLength = c.MinLength
		}
		if c.OutputFormat != "" {
			out.OutputFormat = c.OutputFormat
		}
		if c.MustInclude != nil {
			out.MustInclude = append([]string(nil), c.MustInclude...)
		}
		if c.MustExclude != nil {
			out.MustExclude = append([]string(nil), c.MustExclude...)
		}
		for k, v := range c.Expressions {
			if out.Expressions == nil {
				out.Expressions = make(map[string]string)
			}
			out.Expressions[k] = v
		}
	}
	return out
}

// Hints renders constraints as instructions for the prompt. Expressions
// are not rendered; they are checks, not instructions.
func Hints(c *api.GenerationConstraints) []string {
	if c == nil {
		return nil
	}
	var hints []string
	switch {
	case c.MinLength != nil && c.MaxLength != nil:
		hints = append(hints, fmt.Sprintf("Keep the answer between %d and %d characters.", *c.MinLength, *c.MaxLength))
	case c.MaxLength != nil:
		hints = append(hints, fmt.Sprintf("Keep the answer under %d characters.", *c.MaxLength))
	case c.MinLength != nil:
		hints = append(hints, fmt.Sprintf("Write at least %d characters.", *c.MinLength))
	}
	switch c.OutputFormat {
	case api.OutputFormatJSON:
		hints = append(hints, "Respond with valid JSON only.")
	case api.OutputFormatMarkdown:
		hints = append(hints, "Format the answer as Markdown.")
	case api.OutputFormatPlain:
		hints = append(hints, "Respond with plain text, without Markdown.")
	}
	if len(c.MustInclude) > 0 {
		hints = append(hints, "Include: "+strings.Join(c.MustInclude, ", ")+".")
	}
	if len(c.MustExclude) > 0 {
		hints = append(hints, "Do not mention: "+strings.Join(c.MustExclude, ", ")+".")
	}
	return hints
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(strings.TrimRight(s, "\n"), "\n") + 1
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
