package matrix

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format identifies a matrix file encoding.
type Format string

// Supported formats.
const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid decision matrix")

// FormatFor picks the format from a file extension. Unknown extensions are
// treated as YAML, which also accepts JSON documents.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	default:
		return FormatYAML
	}
}

// Load reads and validates a matrix file.
func Load(path string) (*Matrix, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read matrix %s: %w", path, err)
	}
	m, err := Parse(data, FormatFor(path))
	if err != nil {
		return nil, fmt.Errorf("parse matrix %s: %w", path, err)
	}
	return m, nil
}

// Parse decodes and validates a matrix document.
func Parse(data []byte, format Format) (*Matrix, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalid)
	}
	var m Matrix
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	default:
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Marshal encodes m in the given format.
func Marshal(m *Matrix, format Format) ([]byte, error) {
	if format == FormatJSON {
		return json.MarshalIndent(m, "", "  ")
	}
	return yaml.Marshal(m)
}

// Validate checks the structural problems that make a matrix unusable.
// Array-valued target categories are not errors; they are sanitized during
// evaluation. Use Lint for those.
func (m *Matrix) Validate() error {
	var problems []string
	seen := make(map[string]bool, len(m.Rules))
	for i, r := range m.Rules {
		ref := r.ID
		if ref == "" {
			ref = fmt.Sprintf("#%d", i)
			problems = append(problems, fmt.Sprintf("rule %s: id is required", ref))
		} else if seen[r.ID] {
			problems = append(problems, fmt.Sprintf("rule %s: duplicate id", ref))
		}
		seen[r.ID] = true
		for _, c := range r.Conditions {
			if strings.TrimSpace(c.Attribute) == "" {
				problems = append(problems, fmt.Sprintf("rule %s: condition attribute is required", ref))
			}
			if !ValidOperator(c.Operator) {
				problems = append(problems, fmt.Sprintf("rule %s: unknown operator %q", ref, c.Operator))
			}
		}
		switch r.Action.Type {
		case ActionOverride:
			if r.Action.TargetCategory.Empty() {
				problems = append(problems, fmt.Sprintf("rule %s: override requires target_category", ref))
			}
		case ActionAdjustConfidence, ActionFlagReview:
		default:
			problems = append(problems, fmt.Sprintf("rule %s: unknown action type %q", ref, r.Action.Type))
		}
	}
	for _, a := range m.Attributes {
		switch a.Type {
		case AttributeCategorical, AttributeNumeric, AttributeBoolean, "":
		default:
			problems = append(problems, fmt.Sprintf("attribute %s: unknown type %q", a.Name, a.Type))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Lint returns non-fatal findings: list-valued or unknown target categories
// and conditions on undeclared attributes.
func (m *Matrix) Lint() []string {
	var findings []string
	for _, r := range m.Rules {
		if r.Action.Type == ActionOverride {
			if _, warning, _ := r.Action.TargetCategory.Resolve(); warning != "" {
				findings = append(findings, fmt.Sprintf("rule %s: %s", r.ID, warning))
			}
		}
		for _, c := range r.Conditions {
			if strings.EqualFold(c.Attribute, CategoryAttribute) {
				continue
			}
			if _, ok := m.Attribute(c.Attribute); !ok {
				findings = append(findings, fmt.Sprintf("rule %s: attribute %q is not declared", r.ID, c.Attribute))
			}
		}
	}
	return findings
}
