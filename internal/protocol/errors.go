package protocol

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrIncomplete is returned by Decode when the buffer does not yet hold a
// complete value. Nothing is consumed; call again with more bytes.
var ErrIncomplete = errors.New("protocol: incomplete frame")

// ProtocolError reports a malformed frame. Field names the part of the frame
// that could not be parsed.
type ProtocolError struct {
	Field  string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: invalid %s: %s", e.Field, e.Reason)
}

func newProtocolError(field, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsProtocolError reports whether err is, or wraps, a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
