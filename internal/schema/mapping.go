package schema

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/mod/semver"
)

// Kind is the internal type of a shared field.
type Kind string

const (
	KindText    Kind = "text"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindList    Kind = "list"
	KindTime    Kind = "time"
	KindBool    Kind = "bool"
)

// SupportedMappingMajor is the mapping table major version this build reads.
const SupportedMappingMajor = "v1"

// FieldSpec maps one shared field to a Notion property and a local column.
type FieldSpec struct {
	Name         string `toml:"name" json:"name" yaml:"name"`
	Kind         Kind   `toml:"kind" json:"kind" yaml:"kind"`
	Property     string `toml:"property" json:"property" yaml:"property"`
	PropertyType string `toml:"property_type" json:"property_type" yaml:"property_type"`
	Column       string `toml:"column" json:"column" yaml:"column"`
}

// MappingTable is the versioned schema shared by both sides.
type MappingTable struct {
	Version    string      `toml:"version" json:"version" yaml:"version"`
	NaturalKey string      `toml:"natural_key" json:"natural_key" yaml:"natural_key"`
	Fields     []FieldSpec `toml:"fields" json:"fields" yaml:"fields"`
}

// DefaultMapping returns the built-in mapping for generation runs.
func DefaultMapping() *MappingTable {
	return &MappingTable{
		Version:    "v1.0.0",
		NaturalKey: "title",
		Fields: []FieldSpec{
			{Name: "title", Kind: KindText, Property: "Title", PropertyType: PropTitle, Column: ColTitle},
			{Name: "prompt", Kind: KindText, Property: "Prompt", PropertyType: PropRichText, Column: ColPrompt},
			{Name: "negative", Kind: KindText, Property: "Negative", PropertyType: PropRichText, Column: ColNegative},
			{Name: "cfg", Kind: KindNumber, Property: "CFG", PropertyType: PropNumber, Column: ColCFG},
			{Name: "steps", Kind: KindInteger, Property: "Steps", PropertyType: PropNumber, Column: ColSteps},
			{Name: "sampler", Kind: KindText, Property: "Sampler", PropertyType: PropSelect, Column: ColSampler},
			{Name: "seed", Kind: KindInteger, Property: "Seed", PropertyType: PropNumber, Column: ColSeed},
			{Name: "width", Kind: KindInteger, Property: "Width", PropertyType: PropNumber, Column: ColWidth},
			{Name: "height", Kind: KindInteger, Property: "Height", PropertyType: PropNumber, Column: ColHeight},
			{Name: "model", Kind: KindText, Property: "Model", PropertyType: PropSelect, Column: ColModel},
			{Name: "loras", Kind: KindList, Property: "LoRAs", PropertyType: PropMultiSelect, Column: ColLoRAs},
			{Name: "tags", Kind: KindList, Property: "Tags", PropertyType: PropMultiSelect, Column: ColTags},
			{Name: "status", Kind: KindText, Property: "Status", PropertyType: PropSelect, Column: ColStatus},
			{Name: "notes", Kind: KindText, Property: "Notes", PropertyType: PropRichText, Column: ColNotes},
		},
	}
}

// LoadMappingFile reads a mapping table from a TOML file and validates it.
// Unknown keys are rejected so typos do not silently drop a field.
func LoadMappingFile(path string) (*MappingTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping file %s: %w", path, err)
	}
	return ParseMapping(string(data))
}

// ParseMapping decodes a mapping table from TOML text and validates it.
func ParseMapping(text string) (*MappingTable, error) {
	var table MappingTable
	md, err := toml.Decode(text, &table)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mapping: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown mapping keys: %s", strings.Join(keys, ", "))
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return &table, nil
}

// Validate checks version, uniqueness and kind/property compatibility.
func (m *MappingTable) Validate() error {
	if !semver.IsValid(m.Version) {
		return fmt.Errorf("mapping version %q is not a valid semantic version", m.Version)
	}
	if major := semver.Major(m.Version); major != SupportedMappingMajor {
		return fmt.Errorf("mapping version %s is not supported (want %s.x)", m.Version, SupportedMappingMajor)
	}
	if len(m.Fields) == 0 {
		return fmt.Errorf("mapping has no fields")
	}

	names := make(map[string]bool)
	props := make(map[string]bool)
	cols := make(map[string]bool)
	for i, f := range m.Fields {
		if f.Name == "" || f.Property == "" || f.Column == "" {
			return fmt.Errorf("field %d: name, property and column are required", i)
		}
		if names[f.Name] {
			return fmt.Errorf("field %s: duplicate name", f.Name)
		}
		if props[f.Property] {
			return fmt.Errorf("field %s: property %q mapped twice", f.Name, f.Property)
		}
		if cols[f.Column] {
			return fmt.Errorf("field %s: column %q mapped twice", f.Name, f.Column)
		}
		names[f.Name], props[f.Property], cols[f.Column] = true, true, true

		if !compatible(f.Kind, f.PropertyType) {
			return fmt.Errorf("field %s: kind %q cannot be stored in a %q property", f.Name, f.Kind, f.PropertyType)
		}
	}

	if m.NaturalKey != "" {
		spec, ok := m.Field(m.NaturalKey)
		if !ok {
			return fmt.Errorf("natural key %q is not a mapped field", m.NaturalKey)
		}
		if spec.Kind != KindText {
			return fmt.Errorf("natural key %q must be a text field", m.NaturalKey)
		}
	}
	return nil
}

// Field looks up a field spec by name.
func (m *MappingTable) Field(name string) (FieldSpec, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// FieldNames returns the shared field names in table order.
func (m *MappingTable) FieldNames() []string {
	names := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		names[i] = f.Name
	}
	return names
}

func compatible(kind Kind, propType string) bool {
	switch propType {
	case PropTitle, PropRichText:
		// Numbers in text properties are accepted and parsed on read.
		return kind == KindText || kind == KindNumber || kind == KindInteger
	case PropNumber:
		return kind == KindNumber || kind == KindInteger
	case PropSelect, PropURL:
		return kind == KindText
	case PropMultiSelect:
		return kind == KindList
	case PropDate:
		return kind == KindTime
	case PropCheckbox:
		return kind == KindBool
	}
	return false
}
