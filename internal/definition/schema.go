package definition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/seiforesti/data-wave-sub007/model"
)

// TypeSpec is a workflow type definition in its compiled form.
type TypeSpec struct {
	model.WorkflowTypeDefinition

	// Domain names the definition file the type came from. Types registered
	// in code carry "runtime".
	Domain string
	// Schema is nil when the type accepts any params.
	Schema *openapi3.Schema
	// Timeout is zero when the type has no timeout of its own.
	Timeout time.Duration
}

// Compile parses the timeout and params schema of def.
func Compile(domain string, def model.WorkflowTypeDefinition) (TypeSpec, error) {
	spec := TypeSpec{WorkflowTypeDefinition: def, Domain: domain}
	if def.Timeout != "" {
		d, err := time.ParseDuration(def.Timeout)
		if err != nil {
			return TypeSpec{}, fmt.Errorf("workflow type %s: timeout: %w", def.Type, err)
		}
		if d < 0 {
			return TypeSpec{}, fmt.Errorf("workflow type %s: timeout must not be negative", def.Type)
		}
		spec.Timeout = d
	}
	if len(def.ParamsSchema) > 0 {
		schema, err := compileSchema(def.ParamsSchema)
		if err != nil {
			return TypeSpec{}, fmt.Errorf("workflow type %s: params_schema: %w", def.Type, err)
		}
		spec.Schema = schema
	}
	return spec, nil
}

func compileSchema(raw map[string]any) (*openapi3.Schema, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	schema := openapi3.NewSchema()
	if err := json.Unmarshal(data, schema); err != nil {
		return nil, err
	}
	if err := schema.Validate(context.Background()); err != nil {
		return nil, err
	}
	return schema, nil
}

// ValidateParams checks params against the type's schema and returns a
// VALIDATION_ERROR envelope listing every violation.
func (s TypeSpec) ValidateParams(params map[string]any) error {
	if s.Schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}

	// Round-trip through JSON so Go-typed values (int, structs) validate the
	// same way as decoded request bodies.
	data, err := json.Marshal(params)
	if err != nil {
		return model.NewFieldValidationError("params", "params are not JSON-encodable: "+err.Error())
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return model.NewFieldValidationError("params", err.Error())
	}

	err = s.Schema.VisitJSON(doc, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	return model.NewValidationError(schemaFieldErrors(err))
}

func schemaFieldErrors(err error) []model.FieldError {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		var out []model.FieldError
		for _, e := range multi {
			out = append(out, schemaFieldErrors(e)...)
		}
		return out
	}

	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		field := strings.Join(se.JSONPointer(), ".")
		if field == "" {
			field = "params"
		} else {
			field = "params." + field
		}
		return []model.FieldError{{Field: field, Code: "SCHEMA", Message: se.Reason}}
	}
	return []model.FieldError{{Field: "params", Code: "SCHEMA", Message: err.Error()}}
}
