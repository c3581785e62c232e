// Package planfile loads plans and their global parameters from YAML or
// JSON files.
package planfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/rendis/dispatchflow/pkg/schema"
)

var yamlLineRe = regexp.MustCompile(`line (\d+)`)

// File is a decoded plan file.
type File struct {
	Path          string
	Plan          *schema.Plan
	Globals       map[string]any
	GlobalsSchema json.RawMessage
}

type document struct {
	Steps         []schema.StepSpec  `yaml:"steps"`
	Phases        []schema.PhaseSpec `yaml:"phases"`
	Globals       map[string]any     `yaml:"globals"`
	GlobalsSchema map[string]any     `yaml:"globals_schema"`
}

// Load reads and decodes the plan file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "read plan file %s", path).WithCause(err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, err
	}
	f.Path = path
	return f, nil
}

// Parse decodes a plan document. JSON input is accepted since it is valid
// YAML. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, schema.NewError(schema.ErrCodeValidation, "plan file is empty")
		}
		details := map[string]any{}
		if line := extractLine(err); line > 0 {
			details["line"] = line
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse plan: %s", err.Error()).
			WithCause(err).
			WithDetails(details)
	}

	f := &File{
		Plan:    &schema.Plan{Steps: doc.Steps, Phases: doc.Phases},
		Globals: doc.Globals,
	}
	if f.Globals == nil {
		f.Globals = map[string]any{}
	}
	if doc.GlobalsSchema != nil {
		raw, err := json.Marshal(doc.GlobalsSchema)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "encode globals_schema").WithCause(err)
		}
		f.GlobalsSchema = raw
	}
	return f, nil
}

// LoadGlobals reads a YAML or JSON object of global parameters.
func LoadGlobals(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "read parameters file %s", path).WithCause(err)
	}
	var globals map[string]any
	if err := yaml.Unmarshal(data, &globals); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse parameters: %s", err.Error()).WithCause(err)
	}
	if globals == nil {
		globals = map[string]any{}
	}
	return globals, nil
}

func extractLine(err error) int {
	m := yamlLineRe.FindStringSubmatch(err.Error())
	if len(m) != 2 {
		return 0
	}
	line, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return 0
	}
	return line
}

// String summarizes the file for log lines.
func (f *File) String() string {
	return fmt.Sprintf("%s (%d steps, %d phases)", f.Path, len(f.Plan.Steps), len(f.Plan.Phases))
}
