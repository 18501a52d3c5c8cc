package api

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
)

// ParamType is the discriminator of a parameter definition.
type ParamType string

const (
	ParamTypeStatic     ParamType = "static"
	ParamTypeTextBlock  ParamType = "text_block"
	ParamTypeUserChoice ParamType = "user_choice"
	ParamTypeEntityRef  ParamType = "novel_entity_ref"
	ParamTypeObject     ParamType = "object"
)

// ParamValue is the sealed sum type of parameter values. The concrete
// variants are StaticScalar, TextBlock, UserChoice, EntityReference, and
// NestedObject.
type ParamValue interface {
	// ParamType returns the discriminator of the variant.
	ParamType() ParamType

	// IsSet reports whether the variant carries a bound value.
	IsSet() bool

	// Raw returns the plain Go value used for prompt rendering.
	Raw() any

	isParamValue()
}

// StaticScalar holds a string, number, or boolean literal.
type StaticScalar struct {
	Value any
}

// TextBlock holds a multi-line block of free text.
type TextBlock struct {
	Text string
}

// UserChoice holds an enumerated set of options and the selected one.
type UserChoice struct {
	Options  []string
	Selected string
}

// EntityReference points at a novel entity (character, event, chapter, ...)
// by id. An id of zero means unbound.
type EntityReference struct {
	EntityType string
	EntityID   int64
}

// NestedObject holds a map of nested parameters.
type NestedObject struct {
	Fields map[string]Parameter
}

func (StaticScalar) ParamType() ParamType    { return ParamTypeStatic }
func (TextBlock) ParamType() ParamType       { return ParamTypeTextBlock }
func (UserChoice) ParamType() ParamType      { return ParamTypeUserChoice }
func (EntityReference) ParamType() ParamType { return ParamTypeEntityRef }
func (NestedObject) ParamType() ParamType    { return ParamTypeObject }

func (StaticScalar) isParamValue()    {}
func (TextBlock) isParamValue()       {}
func (UserChoice) isParamValue()      {}
func (EntityReference) isParamValue() {}
func (NestedObject) isParamValue()    {}

func (v StaticScalar) IsSet() bool    { return v.Value != nil }
func (v TextBlock) IsSet() bool       { return v.Text != "" }
func (v UserChoice) IsSet() bool      { return v.Selected != "" }
func (v EntityReference) IsSet() bool { return v.EntityID != 0 }

// IsSet reports whether at least one nested field is set.
func (v NestedObject) IsSet() bool {
	for _, f := range v.Fields {
		if f.IsBound() {
			return true
		}
	}
	return false
}

func (v StaticScalar) Raw() any { return v.Value }
func (v TextBlock) Raw() any    { return v.Text }
func (v UserChoice) Raw() any   { return v.Selected }

// Raw renders the reference as "type:id" (or just the id without a type).
func (v EntityReference) Raw() any {
	if v.EntityID == 0 {
		return nil
	}
	if v.EntityType == "" {
		return strconv.FormatInt(v.EntityID, 10)
	}
	return v.EntityType + ":" + strconv.FormatInt(v.EntityID, 10)
}

// Raw returns a map of the nested raw values. Unset fields are omitted.
func (v NestedObject) Raw() any {
	out := make(map[string]any, len(v.Fields))
	for name, f := range v.Fields {
		if f.IsBound() {
			out[name] = f.Value.Raw()
		}
	}
	return out
}

// Parameter is a named, typed parameter definition on a step.
type Parameter struct {
	Value       ParamValue
	Required    bool
	Description string
}

// IsBound reports whether the parameter has a value.
func (p Parameter) IsBound() bool {
	return p.Value != nil && p.Value.IsSet()
}

// Type returns the parameter's declared type, or "" when no value variant
// is attached.
func (p Parameter) Type() ParamType {
	if p.Value == nil {
		return ""
	}
	return p.Value.ParamType()
}

// MissingRequired returns the dotted paths of required parameters without
// a value, descending into nested objects. The result is sorted.
func MissingRequired(params map[string]Parameter) []string {
	var missing []string
	collectMissing("", params, &missing)
	sort.Strings(missing)
	return missing
}

func collectMissing(prefix string, params map[string]Parameter, out *[]string) {
	for name, p := range params {
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		if obj, ok := p.Value.(NestedObject); ok {
			if p.Required && !obj.IsSet() {
				*out = append(*out, path)
				continue
			}
			collectMissing(path, obj.Fields, out)
			continue
		}
		if p.Required && !p.IsBound() {
			*out = append(*out, path)
		}
	}
}

// WithValue returns a copy of p with its value replaced by v, coerced to
// the declared type. An error is returned when v does not fit the type.
func (p Parameter) WithValue(v any) (Parameter, error) {
	if p.Value == nil {
		return p, fmt.Errorf("parameter has no declared type")
	}
	val, err := coerceValue(p.Value, v)
	if err != nil {
		return p, err
	}
	p.Value = val
	return p, nil
}

func coerceValue(decl ParamValue, v any) (ParamValue, error) {
	switch d := decl.(type) {
	case StaticScalar:
		if !isScalar(v) {
			return nil, fmt.Errorf("static parameter requires a scalar value, got %T", v)
		}
		return StaticScalar{Value: v}, nil
	case TextBlock:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("text_block parameter requires a string, got %T", v)
		}
		return TextBlock{Text: s}, nil
	case UserChoice:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("user_choice parameter requires a string, got %T", v)
		}
		if len(d.Options) > 0 && !slices.Contains(d.Options, s) {
			return nil, fmt.Errorf("value %q is not one of %v", s, d.Options)
		}
		return UserChoice{Options: d.Options, Selected: s}, nil
	case EntityReference:
		id, err := toInt64(v)
		if err != nil {
			return nil, fmt.Errorf("novel_entity_ref parameter: %w", err)
		}
		return EntityReference{EntityType: d.EntityType, EntityID: id}, nil
	case NestedObject:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("object parameter requires a map, got %T", v)
		}
		fields := make(map[string]Parameter, len(d.Fields))
		for k, f := range d.Fields {
			fields[k] = f
		}
		for k, raw := range m {
			f, ok := fields[k]
			if !ok {
				return nil, fmt.Errorf("unknown nested parameter %q", k)
			}
			nf, err := f.WithValue(raw)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			fields[k] = nf
		}
		return NestedObject{Fields: fields}, nil
	}
	return nil, fmt.Errorf("unsupported parameter type %T", decl)
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, float64, float32, int, int32, int64, json.Number:
		return true
	}
	return false
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("entity id must be an integer, got %v", n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, fmt.Errorf("entity id must be a number, got %T", v)
}

// ---------------------------------------------------------------------------
// JSON
// ---------------------------------------------------------------------------

// parameterWire is the JSON shape of a Parameter. Value is decoded
// according to ParamType.
type parameterWire struct {
	ParamType   ParamType       `json:"param_type"`
	Value       json.RawMessage `json:"value,omitempty"`
	Options     []string        `json:"options,omitempty"`
	EntityType  string          `json:"entity_type,omitempty"`
	Required    bool            `json:"required,omitempty"`
	Description string          `json:"description,omitempty"`
}

// MarshalJSON encodes the parameter with a param_type discriminator.
func (p Parameter) MarshalJSON() ([]byte, error) {
	w := parameterWire{
		Required:    p.Required,
		Description: p.Description,
	}
	if p.Value == nil {
		return nil, fmt.Errorf("parameter has no value variant")
	}
	w.ParamType = p.Value.ParamType()

	var value any
	switch v := p.Value.(type) {
	case StaticScalar:
		value = v.Value
	case TextBlock:
		if v.Text != "" {
			value = v.Text
		}
	case UserChoice:
		w.Options = v.Options
		if v.Selected != "" {
			value = v.Selected
		}
	case EntityReference:
		w.EntityType = v.EntityType
		if v.EntityID != 0 {
			value = v.EntityID
		}
	case NestedObject:
		value = v.Fields
	}
	if value != nil {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		w.Value = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a parameter and rejects values whose shape does
// not match the declared param_type.
func (p *Parameter) UnmarshalJSON(data []byte) error {
	var w parameterWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p.Required = w.Required
	p.Description = w.Description

	hasValue := len(w.Value) > 0 && string(w.Value) != "null"

	switch w.ParamType {
	case ParamTypeStatic:
		var v any
		if hasValue {
			if err := json.Unmarshal(w.Value, &v); err != nil {
				return err
			}
			if !isScalar(v) {
				return fmt.Errorf("static parameter value must be a scalar")
			}
		}
		p.Value = StaticScalar{Value: v}
	case ParamTypeTextBlock:
		var s string
		if hasValue {
			if err := json.Unmarshal(w.Value, &s); err != nil {
				return fmt.Errorf("text_block parameter value must be a string")
			}
		}
		p.Value = TextBlock{Text: s}
	case ParamTypeUserChoice:
		var s string
		if hasValue {
			if err := json.Unmarshal(w.Value, &s); err != nil {
				return fmt.Errorf("user_choice parameter value must be a string")
			}
			if len(w.Options) > 0 && !slices.Contains(w.Options, s) {
				return fmt.Errorf("user_choice value %q is not one of %v", s, w.Options)
			}
		}
		p.Value = UserChoice{Options: w.Options, Selected: s}
	case ParamTypeEntityRef:
		var id int64
		if hasValue {
			if err := json.Unmarshal(w.Value, &id); err != nil {
				return fmt.Errorf("novel_entity_ref parameter value must be an integer id")
			}
		}
		p.Value = EntityReference{EntityType: w.EntityType, EntityID: id}
	case ParamTypeObject:
		fields := map[string]Parameter{}
		if hasValue {
			if err := json.Unmarshal(w.Value, &fields); err != nil {
				return fmt.Errorf("object parameter value: %w", err)
			}
		}
		p.Value = NestedObject{Fields: fields}
	case "":
		return fmt.Errorf("parameter is missing param_type")
	default:
		return fmt.Errorf("unknown param_type %q", w.ParamType)
	}
	return nil
}
