package model

// DomainDefinition is the root structure of a definition file. Each file
// declares the workflow types one domain (data sources, compliance,
// analytics, ...) registers with the core.
type DomainDefinition struct {
	Domain    string                   `yaml:"domain"    json:"domain"`
	Version   string                   `yaml:"version"   json:"version"`
	Workflows []WorkflowTypeDefinition `yaml:"workflows" json:"workflows,omitempty"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// WorkflowTypeDefinition declares a workflow type. The executor itself is a
// callback registered by the surrounding application under the same Type.
type WorkflowTypeDefinition struct {
	Type             string         `yaml:"type"              json:"type"`
	Name             string         `yaml:"name"              json:"name"`
	Description      string         `yaml:"description"       json:"description,omitempty"`
	Cancellable      bool           `yaml:"cancellable"       json:"cancellable"`
	RequiresApproval bool           `yaml:"requires_approval" json:"requires_approval"`
	InverseType      string         `yaml:"inverse_type"      json:"inverse_type,omitempty"`
	Timeout          string         `yaml:"timeout"           json:"timeout,omitempty"`
	ParamsSchema     map[string]any `yaml:"params_schema"     json:"params_schema,omitempty"`
}
