package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/arbiter/pkg/canonicalize"
	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// documentSchema validates policy documents before they are admitted.
// Structural problems surface as ValidationError at load time, never as
// evaluation failures at decision time.
const documentSchema = `{
  "type": "object",
  "required": ["name", "scope", "rule", "enforcement", "version"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "scope": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {"enum": ["GLOBAL", "PATTERN", "TARGETS"]},
        "pattern": {"type": "string"},
        "target_ids": {"type": "array", "items": {"type": "string"}}
      }
    },
    "rule": {
      "type": "object",
      "required": ["format", "expression"],
      "properties": {
        "format": {"type": "string", "minLength": 1},
        "expression": {"type": "string", "minLength": 1},
        "explanation": {"type": "string"}
      }
    },
    "enforcement": {"enum": ["BLOCK", "ANNOTATE", "ESCALATE", "SHADOW"]},
    "version": {"type": "string", "minLength": 1},
    "status": {"enum": ["DRAFT", "ACTIVE", "SUSPENDED", "DEPRECATED", "SUPERSEDED"]},
    "priority": {"type": "integer"},
    "supersedes_id": {"type": "string"},
    "references": {"type": "array", "items": {"type": "string"}}
  }
}`

// Loader parses and validates policy documents (YAML or JSON) and assigns
// content-addressed ids.
type Loader struct {
	schema   *jsonschema.Schema
	registry *Registry
	clock    func() time.Time
}

// NewLoader creates a loader. registry may be nil to skip checking that the
// rule format has an evaluator.
func NewLoader(registry *Registry) (*Loader, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("policy.schema.json", strings.NewReader(documentSchema)); err != nil {
		return nil, fmt.Errorf("add policy schema: %w", err)
	}
	schema, err := compiler.Compile("policy.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile policy schema: %w", err)
	}
	return &Loader{schema: schema, registry: registry, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (l *Loader) WithClock(clock func() time.Time) *Loader {
	l.clock = clock
	return l
}

// LoadYAML parses one YAML policy document.
func (l *Loader) LoadYAML(doc []byte) (*contracts.PolicyDefinition, error) {
	var raw any
	if err := yaml.Unmarshal(doc, &raw); err != nil {
		return nil, &contracts.ValidationError{Detail: fmt.Sprintf("invalid YAML: %v", err)}
	}
	// Round-trip through JSON so schema validation sees JSON-typed values.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, &contracts.ValidationError{Detail: fmt.Sprintf("document not JSON-representable: %v", err)}
	}
	return l.LoadJSON(encoded)
}

// LoadJSON parses one JSON policy document.
func (l *Loader) LoadJSON(doc []byte) (*contracts.PolicyDefinition, error) {
	var generic any
	if err := json.Unmarshal(doc, &generic); err != nil {
		return nil, &contracts.ValidationError{Detail: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if err := l.schema.Validate(generic); err != nil {
		return nil, &contracts.ValidationError{Detail: err.Error()}
	}

	var def contracts.PolicyDefinition
	if err := json.Unmarshal(doc, &def); err != nil {
		return nil, &contracts.ValidationError{Detail: fmt.Sprintf("document does not decode: %v", err)}
	}
	if err := l.finalize(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// finalize validates semantics and assigns the content-addressed id.
func (l *Loader) finalize(def *contracts.PolicyDefinition) error {
	if _, err := semver.NewVersion(def.Version); err != nil {
		return &contracts.ValidationError{Field: "version", Detail: fmt.Sprintf("%q is not semver: %v", def.Version, err)}
	}
	if def.Scope.Type == contracts.ScopePattern && def.Scope.Pattern == "" {
		return &contracts.ValidationError{Field: "scope.pattern", Detail: "PATTERN scope requires a pattern"}
	}
	if def.Scope.Type == contracts.ScopeTargets && len(def.Scope.TargetIDs) == 0 {
		return &contracts.ValidationError{Field: "scope.target_ids", Detail: "TARGETS scope requires target ids"}
	}
	if l.registry != nil {
		if _, err := l.registry.Lookup(def.Rule.Format); err != nil {
			return &contracts.ValidationError{Field: "rule.format", Detail: err.Error()}
		}
	}
	if def.Status == "" {
		def.Status = contracts.PolicyDraft
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = l.clock()
	}
	if def.Activation.ActivatesAt.IsZero() {
		def.Activation.ActivatesAt = def.CreatedAt
	}

	id, err := PolicyID(def)
	if err != nil {
		return err
	}
	def.ID = id
	return nil
}

// PolicyID derives the deterministic id of a policy from its
// identity-bearing content. Identical logical content always hashes
// identically regardless of field order.
func PolicyID(def *contracts.PolicyDefinition) (string, error) {
	identity := map[string]any{
		"name":        def.Name,
		"scope":       def.Scope,
		"rule":        def.Rule,
		"enforcement": def.Enforcement,
		"version":     def.Version,
	}
	id, err := canonicalize.ContentAddress(identity)
	if err != nil {
		return "", fmt.Errorf("derive policy id: %w", err)
	}
	return id, nil
}
