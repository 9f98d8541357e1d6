package definition

import (
	"fmt"
	"regexp"

	"github.com/seiforesti/data-wave-sub007/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

var typeNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Validator checks definitions structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions together. Type names must be unique across
// files and inverse_type references may point into another file. known lists
// types registered in code, which references may also name.
func (v *Validator) Validate(defs []model.DomainDefinition, known ...string) []VError {
	var errs []VError

	declared := make(map[string]string)
	for _, k := range known {
		declared[k] = RuntimeDomain
	}
	domains := make(map[string]string)

	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		errs = append(errs, v.validateDomain(prefix, def)...)

		if def.Domain != "" {
			if other, dup := domains[def.Domain]; dup {
				errs = append(errs, VError{Path: prefix + ".domain", Code: "DUPLICATE", Message: fmt.Sprintf("domain %q is also declared in %s", def.Domain, other)})
			}
			domains[def.Domain] = def.SourceFile
		}
		for j, w := range def.Workflows {
			if w.Type == "" {
				continue
			}
			if owner, dup := declared[w.Type]; dup && owner != RuntimeDomain {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("%s.workflows[%d].type", prefix, j),
					Code:    "DUPLICATE",
					Message: fmt.Sprintf("workflow type %q is already declared by domain %q", w.Type, owner),
				})
				continue
			}
			declared[w.Type] = def.Domain
		}
	}

	for i, def := range defs {
		for j, w := range def.Workflows {
			if w.InverseType == "" {
				continue
			}
			if _, ok := declared[w.InverseType]; !ok {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("definitions[%d].workflows[%d].inverse_type", i, j),
					Code:    "UNKNOWN_REF",
					Message: fmt.Sprintf("inverse type %q is not declared", w.InverseType),
				})
			}
		}
	}
	return errs
}

func (v *Validator) validateDomain(prefix string, def model.DomainDefinition) []VError {
	var errs []VError

	if def.Domain == "" {
		errs = append(errs, VError{Path: prefix + ".domain", Code: "REQUIRED", Message: "domain is required"})
	}
	if def.Version == "" {
		errs = append(errs, VError{Path: prefix + ".version", Code: "REQUIRED", Message: "version is required"})
	}
	if len(def.Workflows) == 0 {
		errs = append(errs, VError{Path: prefix + ".workflows", Code: "REQUIRED", Message: "at least one workflow type is required"})
	}

	seen := make(map[string]bool)
	for i, w := range def.Workflows {
		wp := fmt.Sprintf("%s.workflows[%d]", prefix, i)
		if w.Type != "" && seen[w.Type] {
			errs = append(errs, VError{Path: wp + ".type", Code: "DUPLICATE", Message: fmt.Sprintf("workflow type %q appears twice", w.Type)})
		}
		seen[w.Type] = true
		errs = append(errs, v.validateWorkflow(wp, def.Domain, w)...)
	}
	return errs
}

func (v *Validator) validateWorkflow(prefix, domain string, w model.WorkflowTypeDefinition) []VError {
	var errs []VError

	switch {
	case w.Type == "":
		errs = append(errs, VError{Path: prefix + ".type", Code: "REQUIRED", Message: "type is required"})
	case !typeNamePattern.MatchString(w.Type):
		errs = append(errs, VError{Path: prefix + ".type", Code: "INVALID_FORMAT", Message: fmt.Sprintf("type %q must be lower snake case", w.Type)})
	}
	if w.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if w.InverseType != "" && w.InverseType == w.Type {
		errs = append(errs, VError{Path: prefix + ".inverse_type", Code: "SELF_REFERENCE", Message: "a type cannot be its own inverse"})
	}

	if _, err := Compile(domain, w); err != nil {
		errs = append(errs, VError{Path: prefix, Code: "INVALID", Message: err.Error()})
	}
	return errs
}
