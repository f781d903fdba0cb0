package protocol

import (
	"bytes"
	"strconv"
)

// Encode returns the wire form of v.
func Encode(v Value) ([]byte, error) {
	return AppendValue(nil, v)
}

// AppendValue appends the wire form of v to dst. SimpleString and Error text
// may not contain CR or LF; such values are rejected rather than split.
func AppendValue(dst []byte, v Value) ([]byte, error) {
	switch v.Kind {
	case KindSimpleString:
		if err := checkLine("simple string", v.Str); err != nil {
			return dst, err
		}
		dst = append(dst, '+')
		dst = append(dst, v.Str...)
		return append(dst, crlf...), nil

	case KindError:
		if err := checkLine("error", v.Str); err != nil {
			return dst, err
		}
		dst = append(dst, '-')
		dst = append(dst, v.Str...)
		return append(dst, crlf...), nil

	case KindBinary:
		dst = append(dst, '$')
		dst = strconv.AppendInt(dst, int64(len(v.Bytes)), 10)
		dst = append(dst, crlf...)
		dst = append(dst, v.Bytes...)
		return append(dst, crlf...), nil

	case KindArray:
		dst = append(dst, '*')
		dst = strconv.AppendInt(dst, int64(len(v.Elems)), 10)
		dst = append(dst, crlf...)
		var err error
		for _, e := range v.Elems {
			if dst, err = AppendValue(dst, e); err != nil {
				return dst, err
			}
		}
		return dst, nil

	case KindNull:
		return append(dst, '_', '\r', '\n'), nil
	}
	return dst, newProtocolError("type marker", "cannot encode %s", v.Kind)
}

func checkLine(field, s string) error {
	if i := bytes.IndexAny([]byte(s), "\r\n"); i >= 0 {
		return newProtocolError(field, "contains delimiter byte at offset %d", i)
	}
	return nil
}

// MustEncode is Encode for values known to be well formed.
func MustEncode(v Value) []byte {
	b, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Command builds a request array from raw arguments. Arguments are sent as
// SimpleString when they are plain text and as Binary otherwise.
func Command(args ...[]byte) Value {
	elems := make([]Value, len(args))
	for i, a := range args {
		if isPlain(a) {
			elems[i] = NewSimpleString(string(a))
		} else {
			elems[i] = NewBinary(a)
		}
	}
	return NewArray(elems...)
}

// Strings builds a request array of SimpleStrings, e.g. ["SET","k","v"] encodes
// as *3\r\n+SET\r\n+k\r\n+v\r\n. Arguments holding delimiter bytes fall back
// to Binary.
func Strings(args ...string) Value {
	raw := make([][]byte, len(args))
	for i, a := range args {
		raw[i] = []byte(a)
	}
	return Command(raw...)
}

func isPlain(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	return bytes.IndexAny(b, "\r\n") < 0
}
