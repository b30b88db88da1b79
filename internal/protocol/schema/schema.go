package schema

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/danmuck/mavctl/internal/protocol"
)

//go:embed minimal.toml
var minimalDialect []byte

type ValidationError struct {
	Message string
	Field   string
	Reason  string
}

func (e ValidationError) Error() string {
	switch {
	case e.Message == "":
		return fmt.Sprintf("schema: %s", e.Reason)
	case e.Field == "":
		return fmt.Sprintf("schema: message=%s: %s", e.Message, e.Reason)
	default:
		return fmt.Sprintf("schema: message=%s field=%s: %s", e.Message, e.Field, e.Reason)
	}
}

// Unwrap lets callers test schema input failures with protocol.ErrSchema.
func (e ValidationError) Unwrap() error {
	return protocol.ErrSchema
}

type dialectFile struct {
	Messages []messageDef `toml:"messages" yaml:"messages"`
	Enums    []enumDef    `toml:"enums" yaml:"enums"`
}

type messageDef struct {
	ID     int64      `toml:"id" yaml:"id"`
	Name   string     `toml:"name" yaml:"name"`
	Fields []fieldDef `toml:"fields" yaml:"fields"`
}

type fieldDef struct {
	Name        string `toml:"name" yaml:"name"`
	Type        string `toml:"type" yaml:"type"`
	ArrayLength int    `toml:"array_length,omitempty" yaml:"array_length,omitempty"`
	Extension   bool   `toml:"extension,omitempty" yaml:"extension,omitempty"`
}

type enumDef struct {
	Name    string       `toml:"name" yaml:"name"`
	Entries []enumOption `toml:"entries" yaml:"entries"`
}

type enumOption struct {
	Name  string `toml:"name" yaml:"name"`
	Value int64  `toml:"value" yaml:"value"`
}

// LoadFile reads one dialect fragment from disk. Files ending in .yaml or
// .yml are YAML; everything else is TOML.
func LoadFile(path string) (protocol.Fragment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return protocol.Fragment{}, fmt.Errorf("schema load failed (%s): %w", path, err)
	}
	parse := Parse
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parse = ParseYAML
	}
	frag, err := parse(data)
	if err != nil {
		return protocol.Fragment{}, fmt.Errorf("schema parse failed (%s): %w", path, err)
	}
	log.Debug().
		Str("path", path).
		Int("messages", len(frag.Messages)).
		Int("enum_entries", len(frag.Enums)).
		Msg("schema.LoadFile ok")
	return frag, nil
}

// Parse decodes a TOML dialect fragment. Field types accept MAVLink C names
// and an optional array suffix, e.g. "char[16]".
func Parse(data []byte) (protocol.Fragment, error) {
	var raw dialectFile
	if err := toml.Unmarshal(data, &raw); err != nil {
		return protocol.Fragment{}, ValidationError{Reason: err.Error()}
	}
	return build(raw)
}

// ParseYAML decodes the YAML form of a dialect fragment. Keys match the
// TOML form.
func ParseYAML(data []byte) (protocol.Fragment, error) {
	var raw dialectFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return protocol.Fragment{}, ValidationError{Reason: err.Error()}
	}
	return build(raw)
}

func build(raw dialectFile) (protocol.Fragment, error) {
	frag := protocol.Fragment{
		Messages: make([]protocol.MessageSpec, 0, len(raw.Messages)),
	}
	for _, m := range raw.Messages {
		spec, err := messageSpec(m)
		if err != nil {
			return protocol.Fragment{}, err
		}
		frag.Messages = append(frag.Messages, spec)
	}
	for _, e := range raw.Enums {
		enum := strings.TrimSpace(e.Name)
		if enum == "" {
			return protocol.Fragment{}, ValidationError{Reason: "enum missing name"}
		}
		for _, opt := range e.Entries {
			name := strings.TrimSpace(opt.Name)
			if name == "" {
				return protocol.Fragment{}, ValidationError{Reason: fmt.Sprintf("enum %s has an entry without a name", enum)}
			}
			frag.Enums = append(frag.Enums, protocol.EnumEntry{Enum: enum, Name: name, Value: opt.Value})
		}
	}
	return frag, nil
}

func messageSpec(m messageDef) (protocol.MessageSpec, error) {
	name := strings.TrimSpace(m.Name)
	if name == "" {
		return protocol.MessageSpec{}, ValidationError{Reason: fmt.Sprintf("message id=%d missing name", m.ID)}
	}
	if m.ID < 0 || m.ID > int64(protocol.MaxMessageID) {
		return protocol.MessageSpec{}, ValidationError{Message: name, Reason: fmt.Sprintf("id %d outside 0..%d", m.ID, protocol.MaxMessageID)}
	}
	if len(m.Fields) == 0 {
		return protocol.MessageSpec{}, ValidationError{Message: name, Reason: "no fields"}
	}

	spec := protocol.MessageSpec{
		ID:     uint32(m.ID),
		Name:   name,
		Fields: make([]protocol.FieldSpec, 0, len(m.Fields)),
	}
	for _, f := range m.Fields {
		fname := strings.TrimSpace(f.Name)
		if fname == "" {
			return protocol.MessageSpec{}, ValidationError{Message: name, Reason: "field missing name"}
		}
		base, length, err := parseFieldType(f.Type)
		if err != nil {
			return protocol.MessageSpec{}, ValidationError{Message: name, Field: fname, Reason: err.Error()}
		}
		if f.ArrayLength != 0 {
			if length != 0 && length != f.ArrayLength {
				return protocol.MessageSpec{}, ValidationError{Message: name, Field: fname, Reason: "array_length disagrees with type suffix"}
			}
			length = f.ArrayLength
		}
		if length < 0 || length > protocol.MaxPayloadLen {
			return protocol.MessageSpec{}, ValidationError{Message: name, Field: fname, Reason: fmt.Sprintf("invalid array_length %d", length)}
		}
		spec.Fields = append(spec.Fields, protocol.FieldSpec{
			Name:        fname,
			Type:        base,
			ArrayLength: length,
			Extension:   f.Extension,
		})
	}
	return spec, nil
}

// parseFieldType splits "float[3]" into its base type and length.
func parseFieldType(raw string) (protocol.BaseType, int, error) {
	s := strings.TrimSpace(raw)
	length := 0
	if open := strings.IndexByte(s, '['); open >= 0 {
		if !strings.HasSuffix(s, "]") {
			return 0, 0, fmt.Errorf("malformed type %q", raw)
		}
		n, err := strconv.Atoi(s[open+1 : len(s)-1])
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("malformed array length in %q", raw)
		}
		length = n
		s = s[:open]
	}
	base, err := protocol.ParseBaseType(s)
	if err != nil {
		return 0, 0, fmt.Errorf("unsupported type %q", raw)
	}
	return base, length, nil
}

// Minimal returns the built-in fragment every link needs: HEARTBEAT plus
// the common enum values used to fill it.
func Minimal() protocol.Fragment {
	frag, err := Parse(minimalDialect)
	if err != nil {
		panic(fmt.Sprintf("schema: built-in dialect invalid: %v", err))
	}
	return frag
}
