package protocol

import (
	"fmt"
	"strings"
)

// BaseType is a primitive MAVLink wire type.
type BaseType uint8

const (
	TypeUint8 BaseType = iota + 1
	TypeInt8
	TypeUint16
	TypeInt16
	TypeUint32
	TypeInt32
	TypeUint64
	TypeInt64
	TypeFloat32
	TypeFloat64
	TypeChar
)

// Size returns the wire width in bytes, or 0 for an unknown type.
func (t BaseType) Size() int {
	switch t {
	case TypeUint8, TypeInt8, TypeChar:
		return 1
	case TypeUint16, TypeInt16:
		return 2
	case TypeUint32, TypeInt32, TypeFloat32:
		return 4
	case TypeUint64, TypeInt64, TypeFloat64:
		return 8
	default:
		return 0
	}
}

// CName returns the MAVLink C type name. It feeds crc_extra, so it must
// match the names used by the reference generators.
func (t BaseType) CName() string {
	switch t {
	case TypeUint8:
		return "uint8_t"
	case TypeInt8:
		return "int8_t"
	case TypeUint16:
		return "uint16_t"
	case TypeInt16:
		return "int16_t"
	case TypeUint32:
		return "uint32_t"
	case TypeInt32:
		return "int32_t"
	case TypeUint64:
		return "uint64_t"
	case TypeInt64:
		return "int64_t"
	case TypeFloat32:
		return "float"
	case TypeFloat64:
		return "double"
	case TypeChar:
		return "char"
	default:
		return ""
	}
}

func (t BaseType) String() string {
	switch t {
	case TypeUint8:
		return "uint8"
	case TypeInt8:
		return "int8"
	case TypeUint16:
		return "uint16"
	case TypeInt16:
		return "int16"
	case TypeUint32:
		return "uint32"
	case TypeInt32:
		return "int32"
	case TypeUint64:
		return "uint64"
	case TypeInt64:
		return "int64"
	case TypeFloat32:
		return "float32"
	case TypeFloat64:
		return "float64"
	case TypeChar:
		return "char"
	default:
		return fmt.Sprintf("BaseType(%d)", uint8(t))
	}
}

func (t BaseType) Valid() bool {
	return t >= TypeUint8 && t <= TypeChar
}

func (t BaseType) signed() bool {
	switch t {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return true
	default:
		return false
	}
}

func (t BaseType) float() bool {
	return t == TypeFloat32 || t == TypeFloat64
}

// ParseBaseType accepts Go-style names ("uint8", "float32") and MAVLink C
// names ("uint8_t", "float", "double", "uint8_t_mavlink_version").
func ParseBaseType(raw string) (BaseType, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "uint8", "uint8_t", "uint8_t_mavlink_version":
		return TypeUint8, nil
	case "int8", "int8_t":
		return TypeInt8, nil
	case "uint16", "uint16_t":
		return TypeUint16, nil
	case "int16", "int16_t":
		return TypeInt16, nil
	case "uint32", "uint32_t":
		return TypeUint32, nil
	case "int32", "int32_t":
		return TypeInt32, nil
	case "uint64", "uint64_t":
		return TypeUint64, nil
	case "int64", "int64_t":
		return TypeInt64, nil
	case "float", "float32":
		return TypeFloat32, nil
	case "double", "float64":
		return TypeFloat64, nil
	case "char":
		return TypeChar, nil
	default:
		return 0, fmt.Errorf("%w: unsupported field type %q", ErrSchema, raw)
	}
}

// FieldType is a base type plus array arity. ArrayLength <= 1 is a scalar.
type FieldType struct {
	Base        BaseType
	ArrayLength int
}

func (ft FieldType) IsArray() bool {
	return ft.ArrayLength > 1
}

// Len returns the element count occupied on the wire.
func (ft FieldType) Len() int {
	if ft.ArrayLength > 1 {
		return ft.ArrayLength
	}
	return 1
}

func (ft FieldType) Size() int {
	return ft.Base.Size() * ft.Len()
}

func (ft FieldType) String() string {
	if ft.IsArray() {
		return fmt.Sprintf("%s[%d]", ft.Base, ft.ArrayLength)
	}
	return ft.Base.String()
}

// FieldSpec is one field as declared by a schema source, in declaration order.
type FieldSpec struct {
	Name        string
	Type        BaseType
	ArrayLength int
	Extension   bool
}

// MessageSpec is one message as declared by a schema source.
type MessageSpec struct {
	ID     uint32
	Name   string
	Fields []FieldSpec
}

// EnumEntry is one named enum value.
type EnumEntry struct {
	Enum  string
	Name  string
	Value int64
}

// Fragment is a batch of parsed schema input applied by MessageSet.Merge.
type Fragment struct {
	Messages []MessageSpec
	Enums    []EnumEntry
}
