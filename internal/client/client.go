package client

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/myuser/uranus/internal/protocol"
)

// ServerError is an Error reply from the server, split into its code word
// (ERR, CONFLICT, INVALIDSTATE, STORAGE, PROTOCOL) and message.
type ServerError struct {
	Code string
	Msg  string
}

func (e *ServerError) Error() string {
	return e.Code + " " + e.Msg
}

func codeOf(err error) string {
	var se *ServerError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsConflict reports whether a commit lost to a concurrent transaction and
// may be retried.
func IsConflict(err error) bool { return codeOf(err) == "CONFLICT" }

// IsInvalidState reports whether the server had no usable transaction.
func IsInvalidState(err error) bool { return codeOf(err) == "INVALIDSTATE" }

type KV struct {
	Key   []byte
	Value []byte
}

// Client is a connection to a uranus server. Its methods are safe for
// concurrent use but requests are serialized; the transaction opened by
// Begin belongs to the connection, not to the caller.
type Client struct {
	mu   sync.Mutex
	conn *protocol.Conn
}

func Dial(addr string) (*Client, error) {
	return DialTimeout(addr, 5*time.Second)
}

func DialTimeout(addr string, timeout time.Duration) (*Client, error) {
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return New(nc), nil
}

// New wraps an established connection.
func New(nc net.Conn) *Client {
	return &Client{conn: protocol.NewConn(nc, nil)}
}

// Do sends one command and returns the reply. Error replies are returned as
// *ServerError.
func (c *Client) Do(args ...[]byte) (protocol.Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.WriteValue(protocol.Command(args...)); err != nil {
		return protocol.Value{}, err
	}
	v, err := c.conn.ReadValue()
	if err != nil {
		return protocol.Value{}, errors.Wrap(err, "read reply")
	}
	if v.Kind == protocol.KindError {
		code, msg, _ := strings.Cut(v.Str, " ")
		return v, &ServerError{Code: code, Msg: msg}
	}
	return v, nil
}

func (c *Client) do(args ...string) (protocol.Value, error) {
	raw := make([][]byte, len(args))
	for i, a := range args {
		raw[i] = []byte(a)
	}
	return c.Do(raw...)
}

func expectOK(v protocol.Value, err error) error {
	if err != nil {
		return err
	}
	if s, _ := v.Text(); v.Kind != protocol.KindSimpleString || s != "OK" {
		return errors.Errorf("unexpected reply %s", v)
	}
	return nil
}

func parseSeq(v protocol.Value, err error) (uint64, error) {
	if err != nil {
		return 0, err
	}
	s, ok := v.Text()
	if !ok {
		return 0, errors.Errorf("unexpected reply %s", v)
	}
	n, err := strconv.ParseUint(s, 10, 64)
	return n, errors.Wrapf(err, "parse reply %q", s)
}

func (c *Client) Ping() error {
	v, err := c.do("PING")
	if err != nil {
		return err
	}
	if s, _ := v.Text(); s != "PONG" {
		return errors.Errorf("unexpected reply %s", v)
	}
	return nil
}

func (c *Client) Echo(msg []byte) ([]byte, error) {
	v, err := c.Do([]byte("ECHO"), msg)
	if err != nil {
		return nil, err
	}
	b, _ := v.Raw()
	return b, nil
}

// Begin opens a transaction on this connection and returns its id.
func (c *Client) Begin() (uint64, error) {
	return parseSeq(c.do("BEGIN"))
}

func (c *Client) Get(key []byte) ([]byte, bool, error) {
	v, err := c.Do([]byte("GET"), key)
	if err != nil {
		return nil, false, err
	}
	switch v.Kind {
	case protocol.KindNull:
		return nil, false, nil
	case protocol.KindBinary, protocol.KindSimpleString:
		b, _ := v.Raw()
		return b, true, nil
	}
	return nil, false, errors.Errorf("unexpected reply %s", v)
}

func (c *Client) Put(key, value []byte) error {
	return expectOK(c.Do([]byte("PUT"), key, value))
}

func (c *Client) Delete(key []byte) error {
	return expectOK(c.Do([]byte("DELETE"), key))
}

// Scan returns up to limit pairs in [start, end). An empty end is unbounded
// and a zero limit uses the server's cap.
func (c *Client) Scan(start, end []byte, limit int) ([]KV, error) {
	args := [][]byte{[]byte("SCAN"), start, end}
	if limit > 0 {
		args = append(args, []byte(strconv.Itoa(limit)))
	}
	v, err := c.Do(args...)
	if err != nil {
		return nil, err
	}
	if v.Kind != protocol.KindArray {
		return nil, errors.Errorf("unexpected reply %s", v)
	}
	out := make([]KV, 0, len(v.Elems))
	for _, row := range v.Elems {
		if row.Kind != protocol.KindArray || len(row.Elems) != 2 {
			return nil, errors.Errorf("unexpected scan row %s", row)
		}
		k, _ := row.Elems[0].Raw()
		val, _ := row.Elems[1].Raw()
		out = append(out, KV{Key: k, Value: val})
	}
	return out, nil
}

// Commit commits the open transaction and returns its commit sequence.
func (c *Client) Commit() (uint64, error) {
	return parseSeq(c.do("COMMIT"))
}

func (c *Client) Abort() error {
	return expectOK(c.do("ABORT"))
}

func (c *Client) Close() error {
	return c.conn.Close()
}
