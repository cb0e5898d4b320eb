package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/animus-labs/reelforge/internal/domain"
)

// SchemaVersion identifies the node type catalogue wire contract. Any change
// to slot or field shape requires a new version.
const SchemaVersion = "reelforge.node-types.v1"

type FieldKind string

const (
	KindString  FieldKind = "string"
	KindInteger FieldKind = "integer"
	KindNumber  FieldKind = "number"
	KindBoolean FieldKind = "boolean"
)

// SlotSpec declares one named input slot. Max of zero means unbounded.
type SlotSpec struct {
	Name     string `json:"name" yaml:"name"`
	Multi    bool   `json:"multi" yaml:"multi"`
	Required bool   `json:"required" yaml:"required"`
	Min      int    `json:"min,omitempty" yaml:"min,omitempty"`
	Max      int    `json:"max,omitempty" yaml:"max,omitempty"`
}

type FieldSpec struct {
	Name     string    `json:"name" yaml:"name"`
	Kind     FieldKind `json:"kind" yaml:"kind"`
	Required bool      `json:"required" yaml:"required"`
	Allowed  []string  `json:"allowed,omitempty" yaml:"allowed,omitempty"`
}

// TypeSchema is the declared shape of one node type.
type TypeSchema struct {
	Type   domain.NodeType `json:"type" yaml:"type"`
	Inputs []SlotSpec      `json:"inputs" yaml:"inputs"`
	Config []FieldSpec     `json:"config" yaml:"config"`
}

// Registry holds the schema for every node type.
type Registry struct {
	order   []domain.NodeType
	schemas map[domain.NodeType]TypeSchema
}

func NewRegistry(schemas ...TypeSchema) (*Registry, error) {
	r := &Registry{schemas: make(map[domain.NodeType]TypeSchema, len(schemas))}
	for _, s := range schemas {
		if !s.Type.Valid() {
			return nil, fmt.Errorf("schema for unknown node type %q", s.Type)
		}
		if _, exists := r.schemas[s.Type]; exists {
			return nil, fmt.Errorf("duplicate schema for %q", s.Type)
		}
		if err := checkSchema(s); err != nil {
			return nil, err
		}
		r.order = append(r.order, s.Type)
		r.schemas[s.Type] = s
	}
	for _, t := range domain.NodeTypes {
		if _, ok := r.schemas[t]; !ok {
			return nil, fmt.Errorf("missing schema for %q", t)
		}
	}
	return r, nil
}

func checkSchema(s TypeSchema) error {
	slots := map[string]struct{}{}
	for _, slot := range s.Inputs {
		if strings.TrimSpace(slot.Name) == "" {
			return fmt.Errorf("%s: slot name is required", s.Type)
		}
		if _, dup := slots[slot.Name]; dup {
			return fmt.Errorf("%s: duplicate slot %q", s.Type, slot.Name)
		}
		slots[slot.Name] = struct{}{}
		if slot.Min < 0 || slot.Max < 0 || (slot.Max > 0 && slot.Min > slot.Max) {
			return fmt.Errorf("%s: slot %q has invalid bounds", s.Type, slot.Name)
		}
	}
	fields := map[string]struct{}{}
	for _, f := range s.Config {
		if _, dup := fields[f.Name]; dup {
			return fmt.Errorf("%s: duplicate field %q", s.Type, f.Name)
		}
		fields[f.Name] = struct{}{}
		switch f.Kind {
		case KindString, KindInteger, KindNumber, KindBoolean:
		default:
			return fmt.Errorf("%s: field %q has unknown kind %q", s.Type, f.Name, f.Kind)
		}
		if len(f.Allowed) > 0 && f.Kind != KindString {
			return fmt.Errorf("%s: field %q allowed values require kind string", s.Type, f.Name)
		}
	}
	return nil
}

func (r *Registry) Schema(t domain.NodeType) (TypeSchema, bool) {
	s, ok := r.schemas[t]
	return s, ok
}

// Catalogue returns every schema in registration order.
func (r *Registry) Catalogue() []TypeSchema {
	out := make([]TypeSchema, 0, len(r.order))
	for _, t := range r.order {
		out = append(out, r.schemas[t])
	}
	return out
}

// Validate checks a node's inputs and config against its type's schema.
// It returns a *ValidationError listing every issue found.
func (r *Registry) Validate(node domain.Node) error {
	issues := newValidationError(node.Type)
	s, ok := r.schemas[node.Type]
	if !ok {
		issues.addf("unknown node type %q", node.Type)
		return issues.err()
	}

	issues.add(checkInputs(s, node.Inputs)...)

	if node.Config == nil {
		issues.add("config is required")
		return issues.err()
	}
	if node.Config.NodeType() != node.Type {
		issues.addf("config is for %q, node is %q", node.Config.NodeType(), node.Type)
		return issues.err()
	}
	raw, err := domain.EncodeConfig(node.Config)
	if err != nil {
		issues.add(err.Error())
		return issues.err()
	}
	fields, err := decodeFields(raw)
	if err != nil {
		issues.add(err.Error())
		return issues.err()
	}
	issues.add(checkConfig(s, fields)...)
	issues.add(checkTypeRules(node.Config)...)
	return issues.err()
}

// ValidateConfig checks raw JSON config fields for t without decoding them.
func (r *Registry) ValidateConfig(t domain.NodeType, raw json.RawMessage) error {
	issues := newValidationError(t)
	s, ok := r.schemas[t]
	if !ok {
		issues.addf("unknown node type %q", t)
		return issues.err()
	}
	fields, err := decodeFields(raw)
	if err != nil {
		issues.add(err.Error())
		return issues.err()
	}
	issues.add(checkConfig(s, fields)...)
	return issues.err()
}

// DecodeConfig validates raw against the schema and decodes it into the typed config for t.
func (r *Registry) DecodeConfig(t domain.NodeType, raw json.RawMessage) (domain.NodeConfig, error) {
	if err := r.ValidateConfig(t, raw); err != nil {
		return nil, err
	}
	cfg, err := domain.DecodeConfig(t, raw)
	if err != nil {
		return nil, &ValidationError{NodeType: t, Issues: []string{err.Error()}}
	}
	if issues := checkTypeRules(cfg); len(issues) > 0 {
		return nil, &ValidationError{NodeType: t, Issues: issues}
	}
	return cfg, nil
}

func checkInputs(s TypeSchema, inputs domain.Inputs) []string {
	var issues []string
	declared := make(map[string]struct{}, len(s.Inputs))
	for _, slot := range s.Inputs {
		declared[slot.Name] = struct{}{}
		refs := inputs[slot.Name]
		for i, ref := range refs {
			if strings.TrimSpace(ref) == "" {
				issues = append(issues, fmt.Sprintf("input %q[%d] is empty", slot.Name, i))
			}
		}
		n := len(refs)
		if n == 0 {
			if slot.Required {
				issues = append(issues, fmt.Sprintf("input %q is required", slot.Name))
			}
			continue
		}
		if !slot.Multi {
			if n > 1 {
				issues = append(issues, fmt.Sprintf("input %q accepts a single reference, got %d", slot.Name, n))
			}
			continue
		}
		if slot.Min > 0 && n < slot.Min {
			issues = append(issues, fmt.Sprintf("input %q requires at least %d references, got %d", slot.Name, slot.Min, n))
		}
		if slot.Max > 0 && n > slot.Max {
			issues = append(issues, fmt.Sprintf("input %q accepts at most %d references, got %d", slot.Name, slot.Max, n))
		}
	}

	unknown := make([]string, 0)
	for name := range inputs {
		if _, ok := declared[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		issues = append(issues, fmt.Sprintf("input %q is not declared for %s", name, s.Type))
	}
	return issues
}

func decodeFields(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("config must be a JSON object: %v", err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}

func checkConfig(s TypeSchema, fields map[string]any) []string {
	var issues []string
	declared := make(map[string]struct{}, len(s.Config))
	for _, f := range s.Config {
		declared[f.Name] = struct{}{}
		value, present := fields[f.Name]
		if !present || value == nil || value == "" {
			if f.Required {
				issues = append(issues, fmt.Sprintf("config %q is required", f.Name))
			}
			continue
		}
		if !kindMatches(f.Kind, value) {
			issues = append(issues, fmt.Sprintf("config %q must be %s", f.Name, f.Kind))
			continue
		}
		if len(f.Allowed) > 0 {
			str, _ := value.(string)
			if !contains(f.Allowed, str) {
				issues = append(issues, fmt.Sprintf("config %q must be one of [%s], got %q", f.Name, strings.Join(f.Allowed, ", "), str))
			}
		}
	}

	unknown := make([]string, 0)
	for name := range fields {
		if _, ok := declared[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		issues = append(issues, fmt.Sprintf("config %q is not declared for %s", name, s.Type))
	}
	return issues
}

func kindMatches(kind FieldKind, value any) bool {
	switch kind {
	case KindString:
		_, ok := value.(string)
		return ok
	case KindBoolean:
		_, ok := value.(bool)
		return ok
	case KindNumber:
		switch v := value.(type) {
		case json.Number:
			_, err := v.Float64()
			return err == nil
		case float64:
			return true
		}
		return false
	case KindInteger:
		switch v := value.(type) {
		case json.Number:
			_, err := v.Int64()
			return err == nil
		case float64:
			return v == math.Trunc(v)
		}
		return false
	default:
		return false
	}
}

// checkTypeRules covers constraints spanning several fields.
func checkTypeRules(cfg domain.NodeConfig) []string {
	switch c := cfg.(type) {
	case domain.AssetConfig:
		if strings.TrimSpace(c.StorageKey) == "" && c.Text == "" {
			return []string{"asset requires storage_key or text"}
		}
		if c.Text != "" && c.Kind != domain.ArtifactKindText {
			return []string{"inline text is only valid for text assets"}
		}
	case domain.VoiceoverConfig:
		if c.Speed < 0 {
			return []string{"config \"speed\" must be positive"}
		}
	case domain.AnimationConfig:
		if c.DurationSeconds < 0 {
			return []string{"config \"duration_seconds\" must be positive"}
		}
	case domain.MergeVideosConfig:
		if c.TransitionDuration < 0 {
			return []string{"config \"transition_duration\" must be >= 0"}
		}
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
