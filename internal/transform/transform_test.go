package transform

import (
	"strings"
	"testing"
)

func TestApplyDirect(t *testing.T) {
	record := map[string]any{"name": "Login Test"}
	mappings := []FieldMapping{{SourceID: "name", TargetID: "title"}}

	target, msgs := Apply(record, mappings, nil)

	if got := target["title"]; got != "Login Test" {
		t.Errorf("direct mapping = %v, want %q", got, "Login Test")
	}
	if len(msgs) != 0 {
		t.Errorf("unexpected messages: %v", msgs)
	}
}

func TestApplyMapValues(t *testing.T) {
	mappings := []FieldMapping{{
		SourceID: "status",
		TargetID: "state",
		Transformation: &Transformation{
			Kind:   KindMapValues,
			Values: map[string]string{"ACTIVE": "Active"},
		},
	}}

	t.Run("mapped value", func(t *testing.T) {
		target, msgs := Apply(map[string]any{"status": "ACTIVE"}, mappings, nil)
		if got := target["state"]; got != "Active" {
			t.Errorf("mapValues = %v, want %q", got, "Active")
		}
		if len(msgs) != 0 {
			t.Errorf("unexpected messages: %v", msgs)
		}
	})

	t.Run("unmapped value passes through with warning", func(t *testing.T) {
		target, msgs := Apply(map[string]any{"status": "ARCHIVED"}, mappings, nil)
		if got := target["state"]; got != "ARCHIVED" {
			t.Errorf("mapValues miss = %v, want pass-through %q", got, "ARCHIVED")
		}
		if len(msgs) != 1 {
			t.Fatalf("messages = %d, want 1", len(msgs))
		}
		if msgs[0].Severity != SeverityWarning {
			t.Errorf("severity = %s, want warning", msgs[0].Severity)
		}
	})
}

func TestApplyKinds(t *testing.T) {
	record := map[string]any{
		"first":  "Login",
		"last":   "Test",
		"id":     "TC-1024-regression",
		"name":   "checkout flow",
		"labels": []string{"smoke", "auth"},
		"path":   "suite/login/happy",
	}

	tests := []struct {
		name    string
		mapping FieldMapping
		want    any
	}{
		{
			name: "concat",
			mapping: FieldMapping{TargetID: "full", Transformation: &Transformation{
				Kind: KindConcat, Fields: []string{"first", "last"}, Separator: " ",
			}},
			want: "Login Test",
		},
		{
			name: "slice",
			mapping: FieldMapping{SourceID: "id", TargetID: "key", Transformation: &Transformation{
				Kind: KindSlice, Start: 3, End: 7,
			}},
			want: "1024",
		},
		{
			name: "prefix",
			mapping: FieldMapping{SourceID: "name", TargetID: "name", Transformation: &Transformation{
				Kind: KindPrefix, Literal: "[migrated] ",
			}},
			want: "[migrated] checkout flow",
		},
		{
			name: "suffix",
			mapping: FieldMapping{SourceID: "name", TargetID: "name", Transformation: &Transformation{
				Kind: KindSuffix, Literal: " (v2)",
			}},
			want: "checkout flow (v2)",
		},
		{
			name: "replace literal",
			mapping: FieldMapping{SourceID: "name", TargetID: "name", Transformation: &Transformation{
				Kind: KindReplace, Find: "flow", Replacement: "journey",
			}},
			want: "checkout journey",
		},
		{
			name: "replace pattern",
			mapping: FieldMapping{SourceID: "id", TargetID: "num", Transformation: &Transformation{
				Kind: KindReplace, Find: `[^0-9]`, Replacement: "", Pattern: true,
			}},
			want: "1024",
		},
		{
			name: "split",
			mapping: FieldMapping{SourceID: "path", TargetID: "suite", Transformation: &Transformation{
				Kind: KindSplit, Separator: "/", Index: 1,
			}},
			want: "login",
		},
		{
			name: "join",
			mapping: FieldMapping{SourceID: "labels", TargetID: "tags", Transformation: &Transformation{
				Kind: KindJoin, Separator: ",",
			}},
			want: "smoke,auth",
		},
		{
			name: "uppercase",
			mapping: FieldMapping{SourceID: "first", TargetID: "first", Transformation: &Transformation{
				Kind: KindUppercase,
			}},
			want: "LOGIN",
		},
		{
			name: "lowercase",
			mapping: FieldMapping{SourceID: "first", TargetID: "first", Transformation: &Transformation{
				Kind: KindLowercase,
			}},
			want: "login",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, msgs := Apply(record, []FieldMapping{tt.mapping}, nil)
			if got := target[tt.mapping.TargetID]; got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
			if len(msgs) != 0 {
				t.Errorf("unexpected messages: %v", msgs)
			}
		})
	}
}

func TestApplyCustom(t *testing.T) {
	RegisterCustom("trim", func(v any) (any, error) {
		return strings.TrimSpace(v.(string)), nil
	})

	mappings := []FieldMapping{{
		SourceID:       "name",
		TargetID:       "name",
		Transformation: &Transformation{Kind: KindCustom, Func: "trim"},
	}}

	target, msgs := Apply(map[string]any{"name": "  padded  "}, mappings, nil)
	if got := target["name"]; got != "padded" {
		t.Errorf("custom = %v, want %q", got, "padded")
	}
	if len(msgs) != 0 {
		t.Errorf("unexpected messages: %v", msgs)
	}
}

func TestApplyAbsentSourceField(t *testing.T) {
	mappings := []FieldMapping{{SourceID: "missing", TargetID: "out"}}

	target, msgs := Apply(map[string]any{}, mappings, nil)
	if _, ok := target["out"]; ok {
		t.Error("absent source field produced a target value")
	}
	if len(msgs) != 1 || msgs[0].Severity != SeverityWarning {
		t.Errorf("messages = %v, want one warning", msgs)
	}
}

func TestApplyRequiredTargetUncovered(t *testing.T) {
	target, msgs := Apply(map[string]any{"a": "x"},
		[]FieldMapping{{SourceID: "a", TargetID: "b"}},
		[]string{"b", "priority"})

	if target["b"] != "x" {
		t.Errorf("b = %v, want x", target["b"])
	}

	found := false
	for _, m := range msgs {
		if m.Field == "priority" && m.Severity == SeverityError {
			found = true
		}
	}
	if !found {
		t.Errorf("expected error message for uncovered required field, got %v", msgs)
	}
}

func TestValidateTransformation(t *testing.T) {
	tests := []struct {
		name    string
		spec    Transformation
		wantErr bool
	}{
		{"direct ok", Transformation{Kind: KindDirect}, false},
		{"missing kind", Transformation{}, true},
		{"unknown kind", Transformation{Kind: "shout"}, true},
		{"concat without fields", Transformation{Kind: KindConcat}, true},
		{"slice end before start", Transformation{Kind: KindSlice, Start: 5, End: 2}, true},
		{"prefix without literal", Transformation{Kind: KindPrefix}, true},
		{"replace without find", Transformation{Kind: KindReplace}, true},
		{"replace bad pattern", Transformation{Kind: KindReplace, Find: "([", Pattern: true}, true},
		{"mapValues empty", Transformation{Kind: KindMapValues}, true},
		{"split without separator", Transformation{Kind: KindSplit}, true},
		{"custom unregistered", Transformation{Kind: KindCustom, Func: "nope"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateMappings(t *testing.T) {
	mappings := []FieldMapping{
		{SourceID: "name", TargetID: "title"},
		{SourceID: "status", TargetID: "state"},
	}

	if err := ValidateMappings(mappings, []string{"title", "state"}); err != nil {
		t.Errorf("ValidateMappings() error = %v", err)
	}

	err := ValidateMappings(mappings, []string{"title", "priority"})
	if err == nil {
		t.Fatal("expected error for uncovered required target field")
	}
	if !strings.Contains(err.Error(), "priority") {
		t.Errorf("error %q does not name the unmapped field", err)
	}
}
