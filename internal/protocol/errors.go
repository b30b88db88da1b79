package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrSchema          = errors.New("protocol: invalid schema")
	ErrUnknownMessage  = errors.New("protocol: unknown message")
	ErrUnknownField    = errors.New("protocol: unknown field")
	ErrTypeMismatch    = errors.New("protocol: field type mismatch")
	ErrValueOutOfRange = errors.New("protocol: value out of range")
	ErrInvalidLength   = errors.New("protocol: invalid length")
)

// SchemaError reports a definition or fragment that cannot be installed.
type SchemaError struct {
	Message string
	Field   string
	Reason  string
}

func (e *SchemaError) Error() string {
	switch {
	case e.Message == "":
		return fmt.Sprintf("protocol: schema: %s", e.Reason)
	case e.Field == "":
		return fmt.Sprintf("protocol: schema: message=%q: %s", e.Message, e.Reason)
	default:
		return fmt.Sprintf("protocol: schema: message=%q field=%q: %s", e.Message, e.Field, e.Reason)
	}
}

func (e *SchemaError) Unwrap() error {
	return ErrSchema
}

// FieldError reports a rejected field read or write. The message is left untouched.
type FieldError struct {
	Message string
	Field   string
	Reason  string
	Err     error
}

func (e *FieldError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%v: message=%q field=%q", e.Err, e.Message, e.Field)
	}
	return fmt.Sprintf("%v: message=%q field=%q: %s", e.Err, e.Message, e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

func unknownMessageName(name string) error {
	return fmt.Errorf("%w: name=%q", ErrUnknownMessage, name)
}

func unknownMessageID(id uint32) error {
	return fmt.Errorf("%w: id=%d", ErrUnknownMessage, id)
}
