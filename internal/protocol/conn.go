package protocol

import (
	"bufio"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

const bufferSize = 4 * 1024

// Conn frames values over a stream connection. A Conn is not safe for
// concurrent use; the protocol is strictly request-then-response.
type Conn struct {
	conn    net.Conn
	dec     *Decoder
	w       *bufio.Writer
	buf     []byte
	scratch []byte
	out     []byte
}

func NewConn(c net.Conn, dec *Decoder) *Conn {
	if dec == nil {
		dec = defaultDecoder
	}
	return &Conn{
		conn:    c,
		dec:     dec,
		w:       bufio.NewWriterSize(c, bufferSize),
		buf:     make([]byte, 0, bufferSize),
		scratch: make([]byte, bufferSize),
	}
}

// ReadValue blocks until one complete value has arrived. It returns io.EOF
// when the peer closes cleanly between values and io.ErrUnexpectedEOF when
// it closes in the middle of one.
func (c *Conn) ReadValue() (Value, error) {
	for {
		if len(c.buf) > 0 {
			v, n, err := c.dec.Decode(c.buf)
			if err == nil {
				c.buf = c.buf[:copy(c.buf, c.buf[n:])]
				return v, nil
			}
			if err != ErrIncomplete {
				return Value{}, err
			}
		}

		n, err := c.conn.Read(c.scratch)
		if n > 0 {
			c.buf = append(c.buf, c.scratch[:n]...)
		}
		if err != nil {
			if err != io.EOF {
				return Value{}, errors.Wrap(err, "read frame")
			}
			if len(c.buf) == 0 {
				return Value{}, io.EOF
			}
			// the last Read may have delivered a complete value with the EOF
			v, n, derr := c.dec.Decode(c.buf)
			switch {
			case derr == nil:
				c.buf = c.buf[:copy(c.buf, c.buf[n:])]
				return v, nil
			case derr != ErrIncomplete:
				return Value{}, derr
			}
			return Value{}, io.ErrUnexpectedEOF
		}
	}
}

// WriteValue encodes v and flushes it to the peer.
func (c *Conn) WriteValue(v Value) error {
	b, err := AppendValue(c.out[:0], v)
	if err != nil {
		return err
	}
	c.out = b
	if _, err := c.w.Write(b); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return errors.Wrap(c.w.Flush(), "flush frame")
}

// SetDeadline forwards to the underlying connection.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Conn) Close() error { return c.conn.Close() }
