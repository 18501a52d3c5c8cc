package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/rhuss/rulechain/pkg/api"
	"github.com/rhuss/rulechain/pkg/chain"
)

// Output formats command results as tables or JSON.
type Output struct {
	jsonMode bool
	w        io.Writer // data
	errW     io.Writer // progress and messages
}

// Print writes rows as a table, or jsonData in JSON mode.
func (o *Output) Print(headers []string, rows [][]string, jsonData any) {
	if o.jsonMode {
		o.JSON(jsonData)
		return
	}
	o.Table(headers, rows)
}

// Table writes an aligned table with a dashed header separator.
func (o *Output) Table(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	dashes := make([]string, len(headers))
	for i, h := range headers {
		dashes[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(dashes, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()
}

// JSON writes v indented.
func (o *Output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// Info writes a message to the message stream.
func (o *Output) Info(format string, args ...any) {
	fmt.Fprintf(o.errW, format+"\n", args...)
}

// ExecuteResult prints the step table followed by the final output.
func (o *Output) ExecuteResult(resp *api.RuleChainExecuteResponse) {
	if o.jsonMode {
		o.JSON(resp)
		return
	}
	rows := make([][]string, len(resp.StepsResults))
	for i, r := range resp.StepsResults {
		rows[i] = stepRow(r)
	}
	o.Table([]string{"STEP", "TASK", "STATUS", "MODEL", "ATTEMPTS", "OUTPUT"}, rows)
	fmt.Fprintln(o.w)
	fmt.Fprintln(o.w, resp.FinalOutputText)
	if resp.TotalExecutionTime != nil {
		o.Info("run %s finished in %.2fs", resp.RunID, *resp.TotalExecutionTime)
	}
}

// Frame prints streaming progress to the message stream.
func (o *Output) Frame(f api.Frame) {
	switch f.Type {
	case api.FrameMetadata:
		o.Info("run %s started: %d steps", f.Metadata.RunID, f.Metadata.StepCount)
	case api.FrameStepResult:
		r := f.StepResult
		line := fmt.Sprintf("step %d (%s): %s", r.StepOrder, r.TaskType, r.Status)
		if r.Error != nil {
			line += ": " + *r.Error
		}
		o.Info("%s", line)
	case api.FrameError:
		o.Info("run failed: %s", f.Error.Message)
	}
}

// DryRun prints a cost estimate.
func (o *Output) DryRun(resp *api.RuleChainDryRunResponse) {
	if o.jsonMode {
		o.JSON(resp)
		return
	}
	rows := make([][]string, 0, len(resp.StepsEstimates)+1)
	for _, e := range resp.StepsEstimates {
		rows = append(rows, []string{
			strconv.Itoa(e.StepOrder), e.TaskType, e.ModelID,
			strconv.Itoa(e.EstimatedPromptTokens), strconv.Itoa(e.EstimatedCompletionTokens),
		})
	}
	rows = append(rows, []string{"", "total", "",
		strconv.Itoa(resp.EstimatedTotalPromptTokens), strconv.Itoa(resp.EstimatedTotalCompletionTokens)})
	o.Table([]string{"STEP", "TASK", "MODEL", "PROMPT", "COMPLETION"}, rows)
	fmt.Fprintf(o.w, "\ncost level: %s\n", resp.TokenCostLevel)
	for _, w := range resp.Warnings {
		o.Info("warning: %s", w)
	}
}

// BoundSteps prints the execution order of a bound chain.
func (o *Output) BoundSteps(c *api.RuleChain, steps []chain.BoundStep) {
	if o.jsonMode {
		type boundJSON struct {
			StepOrder      int             `json:"step_order"`
			TaskType       string          `json:"task_type"`
			Source         chain.Source    `json:"source"`
			TemplateID     int64           `json:"template_id,omitempty"`
			InputSource    api.InputSource `json:"input_source"`
			Model          string          `json:"model"`
			MaxTokens      int             `json:"max_tokens,omitempty"`
			OutputVariable string          `json:"output_variable,omitempty"`
		}
		out := make([]boundJSON, len(steps))
		for i, s := range steps {
			out[i] = boundJSON{s.StepOrder, s.TaskType, s.Source, s.TemplateID, s.InputSource, s.Model, s.MaxTokens, s.OutputVariable}
		}
		o.JSON(map[string]any{"chain": c.Name, "steps": out})
		return
	}
	rows := make([][]string, len(steps))
	for i, s := range steps {
		source := string(s.Source)
		if s.Source == chain.SourceTemplate {
			source += " " + strconv.FormatInt(s.TemplateID, 10)
		}
		rows[i] = []string{strconv.Itoa(s.StepOrder), s.TaskType, source, string(s.InputSource), s.Model}
	}
	o.Table([]string{"STEP", "TASK", "SOURCE", "INPUT", "MODEL"}, rows)
}

// Chain prints a stored chain definition.
func (o *Output) Chain(c *api.RuleChain) {
	if o.jsonMode {
		o.JSON(c)
		return
	}
	fmt.Fprintf(o.w, "%d  %s\n", c.ID, c.Name)
	if c.Description != "" {
		fmt.Fprintln(o.w, c.Description)
	}
	rows := make([][]string, 0, len(c.Steps)+len(c.TemplateAssociations))
	for _, s := range c.Steps {
		rows = append(rows, []string{strconv.Itoa(s.StepOrder), s.TaskType, "private", yesNo(s.Enabled())})
	}
	for _, a := range c.TemplateAssociations {
		rows = append(rows, []string{strconv.Itoa(a.StepOrder), "", "template " + strconv.FormatInt(a.TemplateID, 10), yesNo(a.Enabled())})
	}
	o.Table([]string{"STEP", "TASK", "SOURCE", "ENABLED"}, rows)
}

func stepRow(r api.StepExecutionResult) []string {
	out := r.OutputSnippet
	if r.Error != nil {
		out = "error: " + *r.Error
	}
	return []string{
		strconv.Itoa(r.StepOrder), r.TaskType, string(r.Status), r.ModelUsed,
		strconv.Itoa(r.Attempts), oneLine(out, 60),
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// oneLine flattens s and cuts it to max runes.
func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
