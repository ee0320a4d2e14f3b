// Package transform evaluates field mappings between source and target
// records. Evaluation is pure: the same record and mappings always
// produce the same target record and validation messages.
package transform

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tcmigrate/tcmigrate/internal/errclass"
)

// Kind identifies a transformation rule. The set is closed; specs are
// validated when a job is configured, not when items are evaluated.
type Kind string

const (
	KindDirect    Kind = "direct"
	KindConcat    Kind = "concat"
	KindSlice     Kind = "slice"
	KindPrefix    Kind = "prefix"
	KindSuffix    Kind = "suffix"
	KindReplace   Kind = "replace"
	KindMapValues Kind = "mapValues"
	KindSplit     Kind = "split"
	KindJoin      Kind = "join"
	KindUppercase Kind = "uppercase"
	KindLowercase Kind = "lowercase"
	KindCustom    Kind = "custom"
)

// Transformation is a typed rule applied to a field value. Only the
// params for its Kind are consulted; Validate rejects specs whose
// required params are missing.
type Transformation struct {
	Kind Kind `yaml:"kind" json:"kind"`

	// concat
	Fields []string `yaml:"fields,omitempty" json:"fields,omitempty"`

	// concat, split, join
	Separator string `yaml:"separator,omitempty" json:"separator,omitempty"`

	// slice: substring by [start, end)
	Start int `yaml:"start,omitempty" json:"start,omitempty"`
	End   int `yaml:"end,omitempty" json:"end,omitempty"`

	// prefix, suffix
	Literal string `yaml:"literal,omitempty" json:"literal,omitempty"`

	// replace
	Find        string `yaml:"find,omitempty" json:"find,omitempty"`
	Replacement string `yaml:"replacement,omitempty" json:"replacement,omitempty"`
	Pattern     bool   `yaml:"pattern,omitempty" json:"pattern,omitempty"`

	// mapValues
	Values map[string]string `yaml:"values,omitempty" json:"values,omitempty"`

	// split
	Index int `yaml:"index,omitempty" json:"index,omitempty"`

	// custom: name of a function registered via RegisterCustom
	Func string `yaml:"func,omitempty" json:"func,omitempty"`

	// compiled pattern cache, populated by Validate
	re *regexp.Regexp
}

// CustomFunc is a caller-supplied pure function. Implementations must
// not touch the network or filesystem.
type CustomFunc func(value any) (any, error)

var customFuncs = map[string]CustomFunc{}

// RegisterCustom registers a named custom transformation function.
// Duplicate registration panics, mirroring database/sql driver
// registration semantics.
func RegisterCustom(name string, fn CustomFunc) {
	if fn == nil {
		panic("transform: RegisterCustom with nil function")
	}
	if _, dup := customFuncs[name]; dup {
		panic("transform: RegisterCustom called twice for " + name)
	}
	customFuncs[name] = fn
}

// Validate checks that the spec carries the params its kind requires.
// Called at configure time so evaluation never sees a malformed spec.
func (t *Transformation) Validate() error {
	switch t.Kind {
	case KindDirect, KindUppercase, KindLowercase:
		return nil
	case KindConcat:
		if len(t.Fields) == 0 {
			return errclass.New(errclass.KindValidation, "concat transformation requires fields")
		}
	case KindSlice:
		if t.End != 0 && t.End < t.Start {
			return errclass.New(errclass.KindValidation, "slice transformation: end %d before start %d", t.End, t.Start)
		}
		if t.Start < 0 || t.End < 0 {
			return errclass.New(errclass.KindValidation, "slice transformation: negative bounds")
		}
	case KindPrefix, KindSuffix:
		if t.Literal == "" {
			return errclass.New(errclass.KindValidation, "%s transformation requires literal", t.Kind)
		}
	case KindReplace:
		if t.Find == "" {
			return errclass.New(errclass.KindValidation, "replace transformation requires find")
		}
		if t.Pattern {
			re, err := regexp.Compile(t.Find)
			if err != nil {
				return errclass.Wrap(errclass.KindValidation, err, "replace transformation: invalid pattern %q", t.Find)
			}
			t.re = re
		}
	case KindMapValues:
		if len(t.Values) == 0 {
			return errclass.New(errclass.KindValidation, "mapValues transformation requires values")
		}
	case KindSplit:
		if t.Separator == "" {
			return errclass.New(errclass.KindValidation, "split transformation requires separator")
		}
		if t.Index < 0 {
			return errclass.New(errclass.KindValidation, "split transformation: negative index")
		}
	case KindJoin:
		if t.Separator == "" {
			return errclass.New(errclass.KindValidation, "join transformation requires separator")
		}
	case KindCustom:
		if _, ok := customFuncs[t.Func]; !ok {
			return errclass.New(errclass.KindValidation, "custom transformation: unknown function %q", t.Func)
		}
	case "":
		return errclass.New(errclass.KindValidation, "transformation kind is required")
	default:
		return errclass.New(errclass.KindValidation, "unknown transformation kind %q", t.Kind)
	}
	return nil
}

// FieldMapping declares how one source field maps to one target field.
// A nil Transformation is an identity copy.
type FieldMapping struct {
	SourceID       string          `yaml:"source_id" json:"sourceId"`
	TargetID       string          `yaml:"target_id" json:"targetId"`
	Required       bool            `yaml:"required,omitempty" json:"required,omitempty"`
	Transformation *Transformation `yaml:"transformation,omitempty" json:"transformation,omitempty"`
}

// Validate checks the mapping and its transformation spec.
func (m *FieldMapping) Validate() error {
	if m.SourceID == "" && (m.Transformation == nil || m.Transformation.Kind != KindConcat) {
		return errclass.New(errclass.KindValidation, "mapping to %q: source_id is required", m.TargetID)
	}
	if m.TargetID == "" {
		return errclass.New(errclass.KindValidation, "mapping from %q: target_id is required", m.SourceID)
	}
	if m.Transformation != nil {
		if err := m.Transformation.Validate(); err != nil {
			return fmt.Errorf("mapping %s -> %s: %w", m.SourceID, m.TargetID, err)
		}
	}
	return nil
}

// ValidateMappings validates every mapping and reports the required
// target fields left uncovered.
func ValidateMappings(mappings []FieldMapping, requiredTargets []string) error {
	covered := make(map[string]bool, len(mappings))
	for i := range mappings {
		if err := mappings[i].Validate(); err != nil {
			return err
		}
		covered[mappings[i].TargetID] = true
	}

	var unmapped []string
	for _, f := range requiredTargets {
		if !covered[f] {
			unmapped = append(unmapped, f)
		}
	}
	if len(unmapped) > 0 {
		return errclass.New(errclass.KindValidation,
			"required target fields not covered by mappings: %s", strings.Join(unmapped, ", "))
	}
	return nil
}

// Severity of a validation message.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Message is a validation finding attached to an item outcome.
type Message struct {
	Severity Severity `json:"severity"`
	Field    string   `json:"field"`
	Text     string   `json:"text"`
}

// Apply evaluates all mappings against a source record and returns the
// target record plus validation messages: absent source fields,
// mapValues misses and required target fields left without a value.
// Nothing is silently dropped.
func Apply(record map[string]any, mappings []FieldMapping, requiredTargets []string) (map[string]any, []Message) {
	target := make(map[string]any, len(mappings))
	var messages []Message

	for i := range mappings {
		m := &mappings[i]

		value, msgs := evalMapping(record, m)
		messages = append(messages, msgs...)
		if value != nil {
			target[m.TargetID] = value
		}
	}

	for _, f := range requiredTargets {
		if _, ok := target[f]; !ok {
			messages = append(messages, Message{
				Severity: SeverityError,
				Field:    f,
				Text:     "required target field has no value",
			})
		}
	}

	return target, messages
}

func evalMapping(record map[string]any, m *FieldMapping) (any, []Message) {
	t := m.Transformation

	// concat reads its own field list; every other kind reads SourceID.
	if t != nil && t.Kind == KindConcat {
		return evalConcat(record, m, t)
	}

	raw, present := record[m.SourceID]
	if !present {
		sev := SeverityWarning
		if m.Required {
			sev = SeverityError
		}
		return nil, []Message{{
			Severity: sev,
			Field:    m.SourceID,
			Text:     "source field absent on record",
		}}
	}

	if t == nil || t.Kind == KindDirect {
		return raw, nil
	}

	switch t.Kind {
	case KindSlice:
		s := toString(raw)
		start, end := t.Start, t.End
		if start > len(s) {
			start = len(s)
		}
		if end == 0 || end > len(s) {
			end = len(s)
		}
		if start > end {
			start = end
		}
		return s[start:end], nil

	case KindPrefix:
		return t.Literal + toString(raw), nil

	case KindSuffix:
		return toString(raw) + t.Literal, nil

	case KindReplace:
		s := toString(raw)
		if t.Pattern {
			re := t.re
			if re == nil {
				compiled, err := regexp.Compile(t.Find)
				if err != nil {
					return nil, []Message{{
						Severity: SeverityError,
						Field:    m.SourceID,
						Text:     fmt.Sprintf("replace pattern %q: %v", t.Find, err),
					}}
				}
				re = compiled
			}
			return re.ReplaceAllString(s, t.Replacement), nil
		}
		return strings.ReplaceAll(s, t.Find, t.Replacement), nil

	case KindMapValues:
		s := toString(raw)
		if mapped, ok := t.Values[s]; ok {
			return mapped, nil
		}
		// Unmapped values pass through unchanged and are flagged.
		return s, []Message{{
			Severity: SeverityWarning,
			Field:    m.SourceID,
			Text:     fmt.Sprintf("value %q not covered by mapValues table", s),
		}}

	case KindSplit:
		parts := strings.Split(toString(raw), t.Separator)
		if t.Index >= len(parts) {
			return nil, []Message{{
				Severity: SeverityWarning,
				Field:    m.SourceID,
				Text:     fmt.Sprintf("split index %d out of range (%d parts)", t.Index, len(parts)),
			}}
		}
		return parts[t.Index], nil

	case KindJoin:
		return joinValue(raw, t.Separator), nil

	case KindUppercase:
		return strings.ToUpper(toString(raw)), nil

	case KindLowercase:
		return strings.ToLower(toString(raw)), nil

	case KindCustom:
		fn := customFuncs[t.Func]
		if fn == nil {
			return nil, []Message{{
				Severity: SeverityError,
				Field:    m.SourceID,
				Text:     fmt.Sprintf("custom function %q not registered", t.Func),
			}}
		}
		out, err := fn(raw)
		if err != nil {
			return nil, []Message{{
				Severity: SeverityError,
				Field:    m.SourceID,
				Text:     fmt.Sprintf("custom function %q: %v", t.Func, err),
			}}
		}
		return out, nil
	}

	// Validate rejects unknown kinds before evaluation; reaching here
	// means a spec bypassed configuration.
	return nil, []Message{{
		Severity: SeverityError,
		Field:    m.SourceID,
		Text:     fmt.Sprintf("unknown transformation kind %q", t.Kind),
	}}
}

func evalConcat(record map[string]any, m *FieldMapping, t *Transformation) (any, []Message) {
	var messages []Message
	parts := make([]string, 0, len(t.Fields))
	for _, f := range t.Fields {
		raw, present := record[f]
		if !present {
			messages = append(messages, Message{
				Severity: SeverityWarning,
				Field:    f,
				Text:     "source field absent on record",
			})
			continue
		}
		parts = append(parts, toString(raw))
	}
	return strings.Join(parts, t.Separator), messages
}

func joinValue(raw any, sep string) string {
	switch v := raw.(type) {
	case []string:
		return strings.Join(v, sep)
	case []any:
		parts := make([]string, len(v))
		for i, e := range v {
			parts[i] = toString(e)
		}
		return strings.Join(parts, sep)
	default:
		return toString(raw)
	}
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
