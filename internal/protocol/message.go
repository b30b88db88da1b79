package protocol

import (
	"fmt"
	"math"
	"strings"
)

// Header carries the frame metadata of a message. Magic selects the wire
// version on encode; zero means MAVLink 2.
type Header struct {
	Magic         byte
	Len           uint8
	IncompatFlags uint8
	CompatFlags   uint8
	Seq           uint8
	SystemID      uint8
	ComponentID   uint8
	MessageID     uint32
}

// Message is one typed instance of a MessageDefinition. It is not safe for
// concurrent mutation; hand each consumer its own Clone.
type Message struct {
	def    *MessageDefinition
	header Header
	values map[string]any
}

// NewMessage returns a message with every field at its zero value.
func NewMessage(def *MessageDefinition) *Message {
	m := &Message{
		def: def,
		header: Header{
			Magic:     MagicV2,
			MessageID: def.id,
		},
		values: make(map[string]any, len(def.fields)),
	}
	for _, f := range def.fields {
		m.values[f.Name] = zeroValue(f.Type)
	}
	return m
}

func (m *Message) Definition() *MessageDefinition {
	return m.def
}

func (m *Message) ID() uint32 {
	return m.def.id
}

func (m *Message) Name() string {
	return m.def.name
}

func (m *Message) Header() Header {
	return m.header
}

// SetHeader replaces the header. MessageID always follows the definition.
func (m *Message) SetHeader(h Header) {
	h.MessageID = m.def.id
	m.header = h
}

func (m *Message) field(name string) (Field, error) {
	f, ok := m.def.Field(name)
	if !ok {
		return Field{}, &FieldError{Message: m.def.name, Field: name, Err: ErrUnknownField}
	}
	return f, nil
}

func (m *Message) annotate(err error, field string) error {
	if fe, ok := err.(*FieldError); ok {
		fe.Message = m.def.name
		fe.Field = field
	}
	return err
}

// Get returns a copy of the stored value.
func (m *Message) Get(name string) (any, error) {
	if _, err := m.field(name); err != nil {
		return nil, err
	}
	return cloneValue(m.values[name]), nil
}

// Set stores value after checking its kind and range against the field.
// A rejected value leaves the previous one in place.
func (m *Message) Set(name string, value any) error {
	f, err := m.field(name)
	if err != nil {
		return err
	}
	v, err := coerceValue(f.Type, value)
	if err != nil {
		return m.annotate(err, name)
	}
	m.values[name] = v
	return nil
}

// SetAt stores one element of an array field. Index 0 of a scalar field is
// the scalar itself. Char arrays hold NUL-terminated text, so an index may
// extend the text by at most one character.
func (m *Message) SetAt(name string, index int, value any) error {
	f, err := m.field(name)
	if err != nil {
		return err
	}
	if index < 0 || index >= f.Type.Len() {
		return &FieldError{
			Message: m.def.name,
			Field:   name,
			Err:     ErrValueOutOfRange,
			Reason:  fmt.Sprintf("index %d outside length %d", index, f.Type.Len()),
		}
	}
	if !f.Type.IsArray() {
		return m.Set(name, value)
	}

	if f.Type.Base == TypeChar {
		c, err := coerceChars(1, value)
		if err != nil {
			return m.annotate(err, name)
		}
		cur := m.values[name].(string)
		if index > len(cur) {
			return &FieldError{
				Message: m.def.name,
				Field:   name,
				Err:     ErrValueOutOfRange,
				Reason:  fmt.Sprintf("index %d would leave a gap after %d chars", index, len(cur)),
			}
		}
		buf := make([]byte, f.Type.ArrayLength)
		copy(buf, cur)
		if s := c.(string); s != "" {
			buf[index] = s[0]
		} else {
			buf[index] = 0
		}
		v, _ := coerceChars(f.Type.ArrayLength, buf)
		m.values[name] = v
		return nil
	}

	elem, err := coerceScalar(f.Type.Base, value)
	if err != nil {
		return m.annotate(err, name)
	}
	vals, _ := elements(m.values[name])
	vals[index] = elem
	m.values[name] = packArray(f.Type, vals)
	return nil
}

// GetInt reads an integer scalar field.
func (m *Message) GetInt(name string) (int64, error) {
	f, err := m.field(name)
	if err != nil {
		return 0, err
	}
	if f.Type.IsArray() || f.Type.Base.float() || f.Type.Base == TypeChar {
		return 0, &FieldError{Message: m.def.name, Field: name, Err: ErrTypeMismatch, Reason: f.Type.String() + " is not an integer"}
	}
	n := asNumber(m.values[name])
	if n.kind == numUnsigned {
		if n.u > math.MaxInt64 {
			return 0, &FieldError{Message: m.def.name, Field: name, Err: ErrValueOutOfRange, Reason: "does not fit int64"}
		}
		return int64(n.u), nil
	}
	return n.i, nil
}

// GetUint reads an integer scalar field that holds a non-negative value.
func (m *Message) GetUint(name string) (uint64, error) {
	f, err := m.field(name)
	if err != nil {
		return 0, err
	}
	if f.Type.IsArray() || f.Type.Base.float() || f.Type.Base == TypeChar {
		return 0, &FieldError{Message: m.def.name, Field: name, Err: ErrTypeMismatch, Reason: f.Type.String() + " is not an integer"}
	}
	n := asNumber(m.values[name])
	if n.kind == numSigned {
		if n.i < 0 {
			return 0, &FieldError{Message: m.def.name, Field: name, Err: ErrValueOutOfRange, Reason: "negative value"}
		}
		return uint64(n.i), nil
	}
	return n.u, nil
}

// GetFloat reads any numeric scalar field as float64.
func (m *Message) GetFloat(name string) (float64, error) {
	f, err := m.field(name)
	if err != nil {
		return 0, err
	}
	if f.Type.IsArray() || f.Type.Base == TypeChar {
		return 0, &FieldError{Message: m.def.name, Field: name, Err: ErrTypeMismatch, Reason: f.Type.String() + " is not numeric"}
	}
	return asNumber(m.values[name]).float64(), nil
}

func (m *Message) GetString(name string) (string, error) {
	f, err := m.field(name)
	if err != nil {
		return "", err
	}
	if f.Type.Base != TypeChar {
		return "", &FieldError{Message: m.def.name, Field: name, Err: ErrTypeMismatch, Reason: f.Type.String() + " is not text"}
	}
	return m.values[name].(string), nil
}

// ToMap returns every field plus the "_id" and "_name" annotations.
func (m *Message) ToMap() map[string]any {
	out := make(map[string]any, len(m.values)+2)
	for k, v := range m.values {
		out[k] = cloneValue(v)
	}
	out["_id"] = m.def.id
	out["_name"] = m.def.name
	return out
}

// SetFromMap applies every entry or none of them. Keys starting with "_"
// are annotations and are skipped.
func (m *Message) SetFromMap(values map[string]any) error {
	staged := make(map[string]any, len(values))
	for k, raw := range values {
		if strings.HasPrefix(k, "_") {
			continue
		}
		f, err := m.field(k)
		if err != nil {
			return err
		}
		v, err := coerceValue(f.Type, raw)
		if err != nil {
			return m.annotate(err, k)
		}
		staged[k] = v
	}
	for k, v := range staged {
		m.values[k] = v
	}
	return nil
}

func (m *Message) Clone() *Message {
	out := &Message{
		def:    m.def,
		header: m.header,
		values: make(map[string]any, len(m.values)),
	}
	for k, v := range m.values {
		out.values[k] = cloneValue(v)
	}
	return out
}

// MarshalPayload writes the full, untruncated payload in wire order.
func (m *Message) MarshalPayload() ([]byte, error) {
	buf := make([]byte, m.def.payloadSize)
	for _, f := range m.def.fields {
		if err := encodeField(buf[f.Offset:f.Offset+f.Size()], f.Type, m.values[f.Name]); err != nil {
			return nil, m.annotate(err, f.Name)
		}
	}
	return buf, nil
}

// UnmarshalPayload decodes payload into the message. A short payload is
// zero-extended; bytes past MaxPayloadSize are an error.
func (m *Message) UnmarshalPayload(payload []byte) error {
	if len(payload) > m.def.payloadSize {
		return fmt.Errorf("%w: message=%q payload %d exceeds %d", ErrInvalidLength, m.def.name, len(payload), m.def.payloadSize)
	}
	buf := payload
	if len(buf) < m.def.payloadSize {
		buf = make([]byte, m.def.payloadSize)
		copy(buf, payload)
	}
	for _, f := range m.def.fields {
		m.values[f.Name] = decodeField(buf[f.Offset:f.Offset+f.Size()], f.Type)
	}
	return nil
}

func (m *Message) String() string {
	var b strings.Builder
	b.WriteString(m.def.name)
	b.WriteString(" {")
	for i, f := range m.def.fields {
		if i > 0 {
			b.WriteString(", ")
		}
		v := m.values[f.Name]
		if f.Type.Base == TypeChar {
			fmt.Fprintf(&b, "%s: %q", f.Name, v)
		} else {
			fmt.Fprintf(&b, "%s: %v", f.Name, v)
		}
	}
	b.WriteString("}")
	return b.String()
}
