package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SpecVersion is the handoff.json format version written by this build.
// Readers accept any minor revision of the same major.
const SpecVersion = "1.0"

// RepoTarget names a path the builder is expected to touch and why.
type RepoTarget struct {
	Path   string `json:"path"`
	Intent string `json:"intent"`
}

// Gates are the authorization checkpoints the builder must honor.
type Gates struct {
	Write       bool `json:"write"`
	Run         bool `json:"run"`
	Destructive bool `json:"destructive"`
}

// ContextPointers are opaque references into external systems; the core never
// dereferences them.
type ContextPointers struct {
	ExternalTaskID string   `json:"external_task_id,omitempty"`
	ArtifactPaths  []string `json:"artifact_paths"`
}

// Budgets caps the builder's effort. Zero means unlimited.
type Budgets struct {
	TimeS     int `json:"time_s,omitempty"`
	Steps     int `json:"steps,omitempty"`
	ToolCalls int `json:"tool_calls,omitempty"`
}

// HandoffSpec is the machine-readable half of a frozen handoff, the
// execution contract the builder works against.
type HandoffSpec struct {
	Version           string          `json:"version"`
	Goal              string          `json:"goal"`
	DefinitionOfDone  []string        `json:"definition_of_done"`
	Constraints       []string        `json:"constraints"`
	RepoTargets       []RepoTarget    `json:"repo_targets"`
	ExpectedArtifacts []string        `json:"expected_artifacts"`
	Gates             Gates           `json:"gates"`
	ContextPointers   ContextPointers `json:"context_pointers"`
	Budgets           *Budgets        `json:"budgets,omitempty"`
}

// standardConstraints are always prepended at freeze time, ahead of whatever
// the user dictated.
var standardConstraints = []string{
	"Respect existing style and architecture.",
	"Do not modify secrets (.env, tokens). Redact if encountered.",
	"Ask before running commands or making destructive changes.",
}

var defaultArtifacts = []string{"diff summary", "test output"}

// SpecFromWorking builds the execution contract for a working prompt. Every
// gate starts closed; the builder must ask before writes, runs, and anything
// destructive.
func SpecFromWorking(p *WorkingPrompt) *HandoffSpec {
	return &HandoffSpec{
		Version:           SpecVersion,
		Goal:              p.Intent,
		DefinitionOfDone:  append([]string{}, p.Requirements...),
		Constraints:       append(append([]string{}, standardConstraints...), p.Constraints...),
		RepoTargets:       []RepoTarget{},
		ExpectedArtifacts: append([]string(nil), defaultArtifacts...),
		Gates:             Gates{Write: true, Run: true, Destructive: true},
		ContextPointers:   ContextPointers{ArtifactPaths: []string{}},
	}
}

const handoffSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "goal", "definition_of_done", "constraints", "gates"],
  "properties": {
    "version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+$"},
    "goal": {"type": "string"},
    "definition_of_done": {"type": "array", "items": {"type": "string"}},
    "constraints": {"type": "array", "items": {"type": "string"}},
    "repo_targets": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["path"],
        "properties": {
          "path": {"type": "string"},
          "intent": {"type": "string"}
        },
        "additionalProperties": false
      }
    },
    "expected_artifacts": {"type": "array", "items": {"type": "string"}},
    "gates": {
      "type": "object",
      "required": ["write", "run", "destructive"],
      "properties": {
        "write": {"type": "boolean"},
        "run": {"type": "boolean"},
        "destructive": {"type": "boolean"}
      },
      "additionalProperties": false
    },
    "context_pointers": {
      "type": "object",
      "properties": {
        "external_task_id": {"type": "string"},
        "artifact_paths": {"type": "array", "items": {"type": "string"}}
      },
      "additionalProperties": false
    },
    "budgets": {
      "type": "object",
      "properties": {
        "time_s": {"type": "integer", "minimum": 0},
        "steps": {"type": "integer", "minimum": 0},
        "tool_calls": {"type": "integer", "minimum": 0}
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(handoffSchema))
	if err != nil {
		panic(fmt.Sprintf("handoff schema does not parse: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("handoff.schema.json", doc); err != nil {
		panic(fmt.Sprintf("handoff schema rejected: %v", err))
	}
	schema, err := compiler.Compile("handoff.schema.json")
	if err != nil {
		panic(fmt.Sprintf("handoff schema does not compile: %v", err))
	}
	return schema
}

// ValidateSpecJSON checks raw handoff.json bytes against the schema and the
// version gate.
func ValidateSpecJSON(raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("handoff spec is not valid JSON: %w", err)
	}
	if err := compiledSchema.Validate(inst); err != nil {
		return fmt.Errorf("handoff spec failed schema validation: %w", err)
	}

	obj, _ := inst.(map[string]interface{})
	version, _ := obj["version"].(string)
	if err := checkMajor(version); err != nil {
		return err
	}
	return nil
}

// ParseSpec decodes and validates handoff.json bytes.
func ParseSpec(raw []byte) (*HandoffSpec, error) {
	if err := ValidateSpecJSON(raw); err != nil {
		return nil, err
	}
	var spec HandoffSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("failed to decode handoff spec: %w", err)
	}
	return &spec, nil
}

// Encode renders the spec as indented JSON, validated against the schema.
func (s *HandoffSpec) Encode() ([]byte, error) {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode handoff spec: %w", err)
	}
	if err := ValidateSpecJSON(raw); err != nil {
		return nil, err
	}
	return append(raw, '\n'), nil
}

func checkMajor(version string) error {
	major, _, ok := strings.Cut(version, ".")
	if !ok {
		return fmt.Errorf("handoff spec version %q is malformed", version)
	}
	n, err := strconv.Atoi(major)
	if err != nil {
		return fmt.Errorf("handoff spec version %q is malformed", version)
	}
	wantMajor, _, _ := strings.Cut(SpecVersion, ".")
	want, _ := strconv.Atoi(wantMajor)
	if n != want {
		return fmt.Errorf("handoff spec version %s is unsupported (want major %d)", version, want)
	}
	return nil
}
