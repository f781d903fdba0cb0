package protocol

import (
	"bytes"
	"strconv"
)

// Limits bounds what a Decoder accepts from the wire.
type Limits struct {
	MaxBinaryLen int
	MaxArrayLen  int
	MaxLineLen   int
	MaxDepth     int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxBinaryLen: 8 << 20,
		MaxArrayLen:  1 << 20,
		MaxLineLen:   64 << 10,
		MaxDepth:     32,
	}
}

// Decoder parses wire values out of a byte buffer. It holds no state between
// calls, so a single Decoder may be shared by many connections.
type Decoder struct {
	limits Limits
}

func NewDecoder(limits Limits) *Decoder {
	def := DefaultLimits()
	if limits.MaxBinaryLen <= 0 {
		limits.MaxBinaryLen = def.MaxBinaryLen
	}
	if limits.MaxArrayLen <= 0 {
		limits.MaxArrayLen = def.MaxArrayLen
	}
	if limits.MaxLineLen <= 0 {
		limits.MaxLineLen = def.MaxLineLen
	}
	if limits.MaxDepth <= 0 {
		limits.MaxDepth = def.MaxDepth
	}
	return &Decoder{limits: limits}
}

// Decode parses one complete value from the front of buf and returns it with
// the number of bytes it occupied. If buf holds only part of a value it
// returns ErrIncomplete and consumes nothing. Malformed input yields a
// *ProtocolError.
func (d *Decoder) Decode(buf []byte) (Value, int, error) {
	v, n, err := d.decode(buf, 0, 0)
	if err != nil {
		return Value{}, 0, err
	}
	return v, n, nil
}

// Decode parses one value using DefaultLimits.
func Decode(buf []byte) (Value, int, error) {
	return defaultDecoder.Decode(buf)
}

var defaultDecoder = NewDecoder(DefaultLimits())

func (d *Decoder) decode(buf []byte, pos, depth int) (Value, int, error) {
	if pos >= len(buf) {
		return Value{}, 0, ErrIncomplete
	}
	if depth > d.limits.MaxDepth {
		return Value{}, 0, newProtocolError("array nesting", "deeper than %d", d.limits.MaxDepth)
	}

	switch buf[pos] {
	case '+':
		line, next, err := d.readLine(buf, pos+1, "simple string")
		if err != nil {
			return Value{}, 0, err
		}
		return NewSimpleString(string(line)), next, nil

	case '-':
		line, next, err := d.readLine(buf, pos+1, "error")
		if err != nil {
			return Value{}, 0, err
		}
		return NewError(string(line)), next, nil

	case '_':
		if len(buf) < pos+3 {
			if !bytes.HasPrefix(crlf, buf[pos+1:]) {
				return Value{}, 0, newProtocolError("null", "expected CRLF after '_'")
			}
			return Value{}, 0, ErrIncomplete
		}
		if buf[pos+1] != '\r' || buf[pos+2] != '\n' {
			return Value{}, 0, newProtocolError("null", "expected CRLF after '_'")
		}
		return NullValue, pos + 3, nil

	case '*':
		count, next, err := d.readLength(buf, pos+1, "array length", d.limits.MaxArrayLen)
		if err != nil {
			return Value{}, 0, err
		}
		elems := make([]Value, 0, min(count, 64))
		for i := 0; i < count; i++ {
			elem, after, err := d.decode(buf, next, depth+1)
			if err != nil {
				return Value{}, 0, err
			}
			elems = append(elems, elem)
			next = after
		}
		return Value{Kind: KindArray, Elems: elems}, next, nil

	case '$':
		size, next, err := d.readLength(buf, pos+1, "binary length", d.limits.MaxBinaryLen)
		if err != nil {
			return Value{}, 0, err
		}
		// payload is length-prefixed, never scanned for CRLF
		end := next + size
		if len(buf) < end+2 {
			return Value{}, 0, ErrIncomplete
		}
		if buf[end] != '\r' || buf[end+1] != '\n' {
			return Value{}, 0, newProtocolError("binary payload", "not terminated by CRLF after %d bytes", size)
		}
		payload := make([]byte, size)
		copy(payload, buf[next:end])
		return NewBinary(payload), end + 2, nil

	default:
		return Value{}, 0, newProtocolError("type marker", "unexpected byte %q", buf[pos])
	}
}

var crlf = []byte("\r\n")

// readLine returns the bytes between pos and the next CRLF, and the offset
// just past the CRLF. A bare CR or LF inside the line is malformed.
func (d *Decoder) readLine(buf []byte, pos int, field string) ([]byte, int, error) {
	for i := pos; i < len(buf); i++ {
		if i-pos > d.limits.MaxLineLen {
			return nil, 0, newProtocolError(field, "line longer than %d bytes", d.limits.MaxLineLen)
		}
		switch buf[i] {
		case '\n':
			return nil, 0, newProtocolError(field, "bare LF at offset %d", i-pos)
		case '\r':
			if i+1 >= len(buf) {
				return nil, 0, ErrIncomplete
			}
			if buf[i+1] != '\n' {
				return nil, 0, newProtocolError(field, "bare CR at offset %d", i-pos)
			}
			return buf[pos:i], i + 2, nil
		}
	}
	return nil, 0, ErrIncomplete
}

func (d *Decoder) readLength(buf []byte, pos int, field string, max int) (int, int, error) {
	line, next, err := d.readLine(buf, pos, field)
	if err != nil {
		return 0, 0, err
	}
	if len(line) == 0 {
		return 0, 0, newProtocolError(field, "empty")
	}
	if line[0] == '-' {
		return 0, 0, newProtocolError(field, "negative value %q", line)
	}
	for _, c := range line {
		if c < '0' || c > '9' {
			return 0, 0, newProtocolError(field, "non-numeric value %q", line)
		}
	}
	n, err := strconv.ParseUint(string(line), 10, 63)
	if err != nil || n > uint64(max) {
		return 0, 0, newProtocolError(field, "%s exceeds maximum %d", line, max)
	}
	return int(n), next, nil
}
