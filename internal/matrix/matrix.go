// Package matrix implements the decision matrix: an ordered set of rules that
// maps process attributes onto a transformation category.
package matrix

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ashureev/catalaist/internal/domain"
	"gopkg.in/yaml.v3"
)

// Attribute types.
const (
	AttributeCategorical = "categorical"
	AttributeNumeric     = "numeric"
	AttributeBoolean     = "boolean"
)

// Action types.
const (
	ActionOverride         = "override"
	ActionAdjustConfidence = "adjust_confidence"
	ActionFlagReview       = "flag_review"
)

// CategoryAttribute is the attribute name under which the base category is
// exposed to rule conditions.
const CategoryAttribute = "category"

// Matrix is a versioned decision matrix.
type Matrix struct {
	Version     string      `json:"version" yaml:"version"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Attributes  []Attribute `json:"attributes" yaml:"attributes"`
	Rules       []Rule      `json:"rules" yaml:"rules"`
	CreatedAt   time.Time   `json:"created_at" yaml:"created_at,omitempty"`
}

// Attribute describes a process attribute rules can test.
type Attribute struct {
	Name           string   `json:"name" yaml:"name"`
	Type           string   `json:"type" yaml:"type"`
	PossibleValues []string `json:"possible_values,omitempty" yaml:"possible_values,omitempty"`
	Weight         float64  `json:"weight,omitempty" yaml:"weight,omitempty"`
	Description    string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// Rule is a conjunction of conditions plus an action.
type Rule struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Priority    int         `json:"priority" yaml:"priority"`
	Active      *bool       `json:"active,omitempty" yaml:"active,omitempty"`
	Conditions  []Condition `json:"conditions" yaml:"conditions"`
	Action      Action      `json:"action" yaml:"action"`
}

// IsActive reports whether the rule takes part in evaluation. Rules are
// active unless explicitly disabled.
func (r Rule) IsActive() bool {
	return r.Active == nil || *r.Active
}

// Condition tests one attribute.
type Condition struct {
	Attribute string `json:"attribute" yaml:"attribute"`
	Operator  string `json:"operator" yaml:"operator"`
	Value     any    `json:"value" yaml:"value"`
}

// Action is applied when every condition of a rule holds.
type Action struct {
	Type                 string        `json:"type" yaml:"type"`
	TargetCategory       CategoryField `json:"target_category,omitempty" yaml:"target_category,omitempty"`
	ConfidenceAdjustment float64       `json:"confidence_adjustment,omitempty" yaml:"confidence_adjustment,omitempty"`
	Rationale            string        `json:"rationale,omitempty" yaml:"rationale,omitempty"`
}

// CategoryField holds a rule's target category. Generated matrices sometimes
// carry a list where a single category belongs, so both shapes decode.
type CategoryField struct {
	Values []string
	IsList bool
}

// Category builds a scalar CategoryField.
func Category(c domain.Category) CategoryField {
	return CategoryField{Values: []string{string(c)}}
}

// Empty reports whether no category was given.
func (c CategoryField) Empty() bool {
	return len(c.Values) == 0
}

// UnmarshalJSON accepts a string, an array of strings, or null.
func (c *CategoryField) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		*c = CategoryField{}
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*c = CategoryField{Values: nonEmpty([]string{single})}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("target_category must be a string or list of strings: %w", err)
	}
	*c = CategoryField{Values: nonEmpty(list), IsList: true}
	return nil
}

// MarshalJSON writes the field back in the shape it was read.
func (c CategoryField) MarshalJSON() ([]byte, error) {
	if c.IsList {
		return json.Marshal(c.Values)
	}
	if len(c.Values) == 0 {
		return []byte(`""`), nil
	}
	return json.Marshal(c.Values[0])
}

// UnmarshalYAML accepts a scalar or a sequence.
func (c *CategoryField) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*c = CategoryField{Values: nonEmpty([]string{node.Value})}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return fmt.Errorf("target_category: %w", err)
		}
		*c = CategoryField{Values: nonEmpty(list), IsList: true}
		return nil
	default:
		return fmt.Errorf("target_category must be a string or list, line %d", node.Line)
	}
}

// MarshalYAML writes the field back in the shape it was read.
func (c CategoryField) MarshalYAML() (any, error) {
	if c.IsList {
		return c.Values, nil
	}
	if len(c.Values) == 0 {
		return "", nil
	}
	return c.Values[0], nil
}

// Resolve sanitizes the field to a single category. A list is reduced to its
// first element and reported through warning.
func (c CategoryField) Resolve() (cat domain.Category, warning string, ok bool) {
	if len(c.Values) == 0 {
		return domain.CategoryUnassigned, "target category is empty", false
	}
	raw := c.Values[0]
	if c.IsList || len(c.Values) > 1 {
		warning = fmt.Sprintf("target category was a list %q; using first element %q", c.Values, raw)
	}
	cat, ok = domain.ParseCategory(raw)
	if !ok {
		unknown := fmt.Sprintf("unknown target category %q", raw)
		if warning != "" {
			return domain.CategoryUnassigned, warning + "; " + unknown, false
		}
		return domain.CategoryUnassigned, unknown, false
	}
	return cat, warning, true
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Ordered returns the active rules sorted by priority, highest first. Rules
// with equal priority keep their declaration order.
func (m *Matrix) Ordered() []Rule {
	rules := make([]Rule, 0, len(m.Rules))
	for _, r := range m.Rules {
		if r.IsActive() {
			rules = append(rules, r)
		}
	}
	slices.SortStableFunc(rules, func(a, b Rule) int {
		return b.Priority - a.Priority
	})
	return rules
}

// Attribute returns the definition for name.
func (m *Matrix) Attribute(name string) (Attribute, bool) {
	for _, a := range m.Attributes {
		if strings.EqualFold(a.Name, name) {
			return a, true
		}
	}
	return Attribute{}, false
}
