// Package definition loads workflow definition bundles from YAML files and
// applies them through the definition service at boot.
package definition

// Bundle is one YAML file of definitions.
type Bundle struct {
	MediaTypes []MediaType `yaml:"mediaTypes"`
	Workflows  []Workflow  `yaml:"workflows"`

	Checksum   string `yaml:"-"` // SHA-256 of the file contents
	SourceFile string `yaml:"-"`
}

// MediaType registers a MIME type that upload steps may accept.
type MediaType struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Workflow describes a workflow with its steps. DependsOn names other
// workflows, in this bundle or already stored.
type Workflow struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Behavior    string   `yaml:"behavior"`
	Priority    int      `yaml:"priority"`
	Resource    string   `yaml:"resource"`
	Active      bool     `yaml:"active"`
	DependsOn   []string `yaml:"dependsOn"`
	Steps       []Step   `yaml:"steps"`
}

// Step describes one step. DependsOn names steps of the same workflow.
type Step struct {
	Name                   string         `yaml:"name"`
	Description            string         `yaml:"description"`
	Position               *int           `yaml:"position"` // defaults to the index in the list
	Kind                   string         `yaml:"kind"`
	Config                 map[string]any `yaml:"config"`
	Indefinite             bool           `yaml:"indefinite"`
	RequiresApproval       bool           `yaml:"requiresApproval"`
	InitializationRequired bool           `yaml:"initializationRequired"`
	DependsOn              []string       `yaml:"dependsOn"`
}
