package protocol

import (
	"sort"
	"strings"
)

const (
	MaxMessageID  uint32 = 0xFFFFFF
	MaxPayloadLen        = 255
	HeaderLenV1          = 6
	HeaderLenV2          = 10
	ChecksumLen          = 2
	SignatureLen         = 13
	MagicV1       byte   = 0xFE
	MagicV2       byte   = 0xFD
)

// Field is a field placed in wire order with its payload offset.
type Field struct {
	Name      string
	Type      FieldType
	Offset    int
	Extension bool
}

func (f Field) Size() int {
	return f.Type.Size()
}

// MessageDefinition is the immutable schema of one message kind.
type MessageDefinition struct {
	id              uint32
	name            string
	fields          []Field
	index           map[string]int
	crcExtra        uint8
	payloadSize     int
	basePayloadSize int
}

// NewMessageDefinition validates spec and lays its fields out in MAVLink
// wire order: base fields sorted by element width (stable), then extension
// fields in declaration order.
func NewMessageDefinition(spec MessageSpec) (*MessageDefinition, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, &SchemaError{Reason: "message name is required"}
	}
	if spec.ID > MaxMessageID {
		return nil, &SchemaError{Message: name, Reason: "message id exceeds 24 bits"}
	}
	if len(spec.Fields) == 0 {
		return nil, &SchemaError{Message: name, Reason: "message has no fields"}
	}

	base := make([]FieldSpec, 0, len(spec.Fields))
	ext := make([]FieldSpec, 0)
	seen := make(map[string]struct{}, len(spec.Fields))
	for _, fs := range spec.Fields {
		fname := strings.TrimSpace(fs.Name)
		if fname == "" {
			return nil, &SchemaError{Message: name, Reason: "field name is required"}
		}
		if _, dup := seen[fname]; dup {
			return nil, &SchemaError{Message: name, Field: fname, Reason: "duplicate field name"}
		}
		seen[fname] = struct{}{}
		if !fs.Type.Valid() {
			return nil, &SchemaError{Message: name, Field: fname, Reason: "invalid field type"}
		}
		if fs.ArrayLength < 0 || fs.ArrayLength > MaxPayloadLen {
			return nil, &SchemaError{Message: name, Field: fname, Reason: "invalid array length"}
		}
		fs.Name = fname
		if fs.Extension {
			ext = append(ext, fs)
		} else {
			base = append(base, fs)
		}
	}

	sort.SliceStable(base, func(i, j int) bool {
		return base[i].Type.Size() > base[j].Type.Size()
	})

	def := &MessageDefinition{
		id:     spec.ID,
		name:   name,
		fields: make([]Field, 0, len(spec.Fields)),
		index:  make(map[string]int, len(spec.Fields)),
	}
	offset := 0
	for _, group := range [][]FieldSpec{base, ext} {
		for _, fs := range group {
			f := Field{
				Name:      fs.Name,
				Type:      FieldType{Base: fs.Type, ArrayLength: fs.ArrayLength},
				Offset:    offset,
				Extension: fs.Extension,
			}
			def.index[f.Name] = len(def.fields)
			def.fields = append(def.fields, f)
			offset += f.Size()
			if !f.Extension {
				def.basePayloadSize = offset
			}
		}
	}
	def.payloadSize = offset
	if def.payloadSize > MaxPayloadLen {
		return nil, &SchemaError{Message: name, Reason: "payload exceeds 255 bytes"}
	}
	def.crcExtra = computeCRCExtra(name, def.fields)
	return def, nil
}

func computeCRCExtra(name string, fields []Field) uint8 {
	crc := NewCRC()
	crc.AccumulateString(name + " ")
	for _, f := range fields {
		if f.Extension {
			continue
		}
		crc.AccumulateString(f.Type.Base.CName() + " ")
		crc.AccumulateString(f.Name + " ")
		if f.Type.IsArray() {
			crc.AccumulateByte(byte(f.Type.ArrayLength))
		}
	}
	return crc.CRC8()
}

func (d *MessageDefinition) ID() uint32 {
	return d.id
}

func (d *MessageDefinition) Name() string {
	return d.name
}

func (d *MessageDefinition) CRCExtra() uint8 {
	return d.crcExtra
}

// MaxPayloadSize is the payload width including extension fields.
func (d *MessageDefinition) MaxPayloadSize() int {
	return d.payloadSize
}

// BasePayloadSize is the payload width without extension fields (the v1 payload).
func (d *MessageDefinition) BasePayloadSize() int {
	return d.basePayloadSize
}

// MaxBufferLength is the largest possible v2 frame for this message.
func (d *MessageDefinition) MaxBufferLength() int {
	return HeaderLenV2 + d.payloadSize + ChecksumLen + SignatureLen
}

// Fields returns the fields in wire order.
func (d *MessageDefinition) Fields() []Field {
	out := make([]Field, len(d.fields))
	copy(out, d.fields)
	return out
}

func (d *MessageDefinition) Field(name string) (Field, bool) {
	i, ok := d.index[name]
	if !ok {
		return Field{}, false
	}
	return d.fields[i], true
}

func (d *MessageDefinition) ContainsField(name string) bool {
	_, ok := d.index[name]
	return ok
}

// FieldNames returns field names in wire order.
func (d *MessageDefinition) FieldNames() []string {
	out := make([]string, len(d.fields))
	for i, f := range d.fields {
		out[i] = f.Name
	}
	return out
}
