package schema

import "testing"

func TestCompileEmptySchemaIsNoOp(t *testing.T) {
	v, err := Compile("noop", nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if err := v.Validate(map[string]any{"anything": 1}); err != nil {
		t.Errorf("Validate on empty schema should always pass, got %v", err)
	}
}

func TestValidateAcceptsMatchingParams(t *testing.T) {
	doc := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"city": map[string]any{"type": "string"},
		},
		"required": []any{"city"},
	}
	v, err := Compile("get_weather", doc)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if err := v.Validate(map[string]any{"city": "Tokyo"}); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateRejectsMissingRequiredField(t *testing.T) {
	doc := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"city": map[string]any{"type": "string"},
		},
		"required": []any{"city"},
	}
	v, err := Compile("get_weather", doc)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if err := v.Validate(map[string]any{}); err == nil {
		t.Error("expected Validate to reject missing required field")
	}
}

func TestValidateRejectsWrongType(t *testing.T) {
	doc := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"count": map[string]any{"type": "integer"},
		},
	}
	v, err := Compile("counter", doc)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if err := v.Validate(map[string]any{"count": "not a number"}); err == nil {
		t.Error("expected Validate to reject a string where an integer is required")
	}
}
