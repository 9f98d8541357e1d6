package definition

import (
	"testing"

	"github.com/seiforesti/data-wave-sub007/model"
)

func creationSpec(t *testing.T) TypeSpec {
	t.Helper()
	spec, err := Compile("datasources", model.WorkflowTypeDefinition{
		Type: "data_source_creation",
		Name: "Create",
		ParamsSchema: map[string]any{
			"type":     "object",
			"required": []any{"id"},
			"properties": map[string]any{
				"id":         map[string]any{"type": "integer", "minimum": 1},
				"connection": map[string]any{"type": "string"},
			},
		},
	})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return spec
}

func TestTypeSpec_ValidateParams_ok(t *testing.T) {
	spec := creationSpec(t)
	if err := spec.ValidateParams(map[string]any{"id": 7, "connection": "pg://db"}); err != nil {
		t.Errorf("ValidateParams() error = %v", err)
	}
	// Decoded JSON numbers arrive as float64.
	if err := spec.ValidateParams(map[string]any{"id": float64(7)}); err != nil {
		t.Errorf("ValidateParams(float64) error = %v", err)
	}
}

func TestTypeSpec_ValidateParams_missingRequired(t *testing.T) {
	spec := creationSpec(t)
	err := spec.ValidateParams(map[string]any{"connection": "pg://db"})
	if !model.IsCode(err, model.ErrValidationError) {
		t.Fatalf("ValidateParams() error = %v, want VALIDATION_ERROR", err)
	}
}

func TestTypeSpec_ValidateParams_reportsEveryViolation(t *testing.T) {
	spec := creationSpec(t)
	err := spec.ValidateParams(map[string]any{"id": 0, "connection": 5})

	var env *model.ErrorEnvelope
	if !asEnvelope(err, &env) {
		t.Fatalf("ValidateParams() error = %v, want envelope", err)
	}
	if len(env.Details) != 2 {
		t.Fatalf("Details = %+v, want 2 violations", env.Details)
	}
	fields := map[string]bool{}
	for _, d := range env.Details {
		fields[d.Field] = true
	}
	if !fields["params.id"] || !fields["params.connection"] {
		t.Errorf("fields = %v, want params.id and params.connection", fields)
	}
}

func TestTypeSpec_ValidateParams_noSchema(t *testing.T) {
	spec, err := Compile("runtime", model.WorkflowTypeDefinition{Type: "sync", Name: "Sync"})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if err := spec.ValidateParams(map[string]any{"anything": []int{1, 2}}); err != nil {
		t.Errorf("ValidateParams() without schema error = %v", err)
	}
}

func TestCompile_negativeTimeout(t *testing.T) {
	if _, err := Compile("d", model.WorkflowTypeDefinition{Type: "t", Timeout: "-1s"}); err == nil {
		t.Error("Compile() with negative timeout should return error")
	}
}

func asEnvelope(err error, target **model.ErrorEnvelope) bool {
	env, ok := err.(*model.ErrorEnvelope)
	if ok {
		*target = env
	}
	return ok
}
