package protocol

import (
	"bytes"
	"fmt"
	"strings"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindSimpleString Kind = iota
	KindError
	KindArray
	KindBinary
	KindNull
)

func (k Kind) String() string {
	switch k {
	case KindSimpleString:
		return "simple-string"
	case KindError:
		return "error"
	case KindArray:
		return "array"
	case KindBinary:
		return "binary"
	case KindNull:
		return "null"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is one wire protocol value. Only the field matching Kind is meaningful:
// Str for SimpleString and Error, Bytes for Binary, Elems for Array.
type Value struct {
	Kind  Kind
	Str   string
	Bytes []byte
	Elems []Value
}

func NewSimpleString(s string) Value { return Value{Kind: KindSimpleString, Str: s} }

func NewError(msg string) Value { return Value{Kind: KindError, Str: msg} }

func NewBinary(b []byte) Value { return Value{Kind: KindBinary, Bytes: b} }

func NewArray(elems ...Value) Value { return Value{Kind: KindArray, Elems: elems} }

// NullValue is the reply for an absent key.
var NullValue = Value{Kind: KindNull}

// Text returns the payload of a SimpleString or Binary as a string.
func (v Value) Text() (string, bool) {
	switch v.Kind {
	case KindSimpleString:
		return v.Str, true
	case KindBinary:
		return string(v.Bytes), true
	}
	return "", false
}

// Raw returns the payload of a Binary or SimpleString as bytes.
func (v Value) Raw() ([]byte, bool) {
	switch v.Kind {
	case KindBinary:
		return v.Bytes, true
	case KindSimpleString:
		return []byte(v.Str), true
	}
	return nil, false
}

// Equal reports whether two values are structurally identical. A nil and an
// empty Binary payload compare equal.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindSimpleString, KindError:
		return v.Str == o.Str
	case KindBinary:
		return bytes.Equal(v.Bytes, o.Bytes)
	case KindArray:
		if len(v.Elems) != len(o.Elems) {
			return false
		}
		for i := range v.Elems {
			if !v.Elems[i].Equal(o.Elems[i]) {
				return false
			}
		}
		return true
	}
	return true
}

func (v Value) String() string {
	switch v.Kind {
	case KindSimpleString:
		return v.Str
	case KindError:
		return "error: " + v.Str
	case KindBinary:
		return fmt.Sprintf("%q", v.Bytes)
	case KindArray:
		parts := make([]string, len(v.Elems))
		for i, e := range v.Elems {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, " ") + "]"
	case KindNull:
		return "(nil)"
	}
	return v.Kind.String()
}
