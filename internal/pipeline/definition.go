package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/racai-ai/saroj/internal/common"
)

const (
	defaultHost = "127.0.0.1"
	defaultPath = "/process"
)

// Arg binds a request key of a step to a pipeline context variable.
type Arg struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// Step is one processing endpoint of the pipeline.
type Step struct {
	Name string `yaml:"name"`
	Port int    `yaml:"port"`
	URL  string `yaml:"url,omitempty"` // overrides host, port and path
	Args []Arg  `yaml:"args"`
}

// Definition is the ordered list of steps every task goes through. It is
// loaded once at startup and never modified afterwards.
type Definition struct {
	Version string `yaml:"version"`
	Host    string `yaml:"host"`
	Path    string `yaml:"path"`
	Steps   []Step `yaml:"steps"`
}

// LoadDefinition reads and validates a YAML pipeline definition.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline definition: %w", err)
	}
	return ParseDefinition(data)
}

// ParseDefinition decodes a YAML pipeline definition and fills defaults.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("decode pipeline definition: %w", err)
	}
	if def.Host == "" {
		def.Host = defaultHost
	}
	if def.Path == "" {
		def.Path = defaultPath
	}
	if !strings.HasPrefix(def.Path, "/") {
		def.Path = "/" + def.Path
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks the definition for steps that could never be called.
func (d *Definition) Validate() error {
	v := common.NewValidator()
	v.Field("version", d.Version, common.Required, common.MaxLen(64))
	if len(d.Steps) == 0 {
		v.Field("steps", nil, common.Required)
	}
	for i, step := range d.Steps {
		prefix := fmt.Sprintf("steps[%d]", i)
		if step.URL == "" {
			v.Field(prefix+".port", step.Port, common.Port)
		}
		seen := make(map[string]bool, len(step.Args))
		for j, arg := range step.Args {
			argPrefix := fmt.Sprintf("%s.args[%d]", prefix, j)
			v.Field(argPrefix+".key", arg.Key, common.Required)
			v.Field(argPrefix+".value", arg.Value, common.VariableName)
			if seen[arg.Key] {
				v.Field(argPrefix+".key", arg.Key, duplicateKey)
			}
			seen[arg.Key] = true
		}
	}
	return common.ValidateAndReturnError(v)
}

func duplicateKey(fieldName string, value interface{}) *common.ValidationError {
	return &common.ValidationError{Field: fieldName, Value: value, Message: "is declared twice"}
}

// Endpoint returns the URL a step is called on.
func (d *Definition) Endpoint(step Step) string {
	if step.URL != "" {
		return step.URL
	}
	return fmt.Sprintf("http://%s:%d%s", d.Host, step.Port, d.Path)
}

// Label names a step in messages the way operators know it: by port.
func (s Step) Label() string {
	if s.Port > 0 {
		return fmt.Sprintf("port %d", s.Port)
	}
	if s.Name != "" {
		return s.Name
	}
	return s.URL
}
