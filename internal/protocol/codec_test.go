package protocol

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleValues() []Value {
	return []Value{
		NewSimpleString("OK"),
		NewSimpleString(""),
		NewError("CONFLICT write-write conflict on key a"),
		NewBinary([]byte("hello")),
		NewBinary([]byte{}),
		NewBinary([]byte("line1\r\nline2\r\n")),
		NewBinary([]byte{0, 1, 2, '\r', '\n', 0xff}),
		NullValue,
		NewArray(),
		NewArray(NewSimpleString("GET"), NewBinary([]byte("k"))),
		NewArray(
			NewArray(NewBinary([]byte("a")), NewBinary([]byte("1"))),
			NewArray(NewBinary([]byte("b")), NewBinary([]byte("2"))),
			NullValue,
		),
	}
}

func TestRoundTrip(t *testing.T) {
	for _, v := range sampleValues() {
		encoded, err := Encode(v)
		require.NoError(t, err)

		got, n, err := Decode(encoded)
		require.NoError(t, err, "decode %q", encoded)
		assert.Equal(t, len(encoded), n)
		assert.True(t, v.Equal(got), "want %s, got %s", v, got)
	}
}

func TestDecodeByteAtATime(t *testing.T) {
	for _, v := range sampleValues() {
		encoded := MustEncode(v)

		var buf []byte
		var got Value
		done := false
		for i := 0; i < len(encoded); i++ {
			buf = append(buf, encoded[i])
			val, n, err := Decode(buf)
			if i < len(encoded)-1 {
				require.Equal(t, ErrIncomplete, err, "prefix %q", buf)
				require.Zero(t, n)
				continue
			}
			require.NoError(t, err)
			require.Equal(t, len(encoded), n)
			got = val
			done = true
		}
		require.True(t, done)
		assert.True(t, v.Equal(got), "want %s, got %s", v, got)
	}
}

func TestEncodeExample(t *testing.T) {
	got := MustEncode(Strings("SET", "k", "v"))
	assert.Equal(t, "*3\r\n+SET\r\n+k\r\n+v\r\n", string(got))

	// delimiter bytes force the binary form
	got = MustEncode(Strings("SET", "k", "a\r\nb"))
	assert.Equal(t, "*3\r\n+SET\r\n+k\r\n$4\r\na\r\nb\r\n", string(got))
}

func TestDecodeLeavesTrailingBytes(t *testing.T) {
	buf := []byte("+PONG\r\n$3\r\nabc\r\n")
	v, n, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, NewSimpleString("PONG"), v)
	assert.Equal(t, 7, n)

	v, m, err := Decode(buf[n:])
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), v.Bytes)
	assert.Equal(t, len(buf)-n, m)
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		input string
		field string
	}{
		{"*-1\r\n", "array length"},
		{"*x\r\n", "array length"},
		{"*\r\n", "array length"},
		{"$-5\r\n", "binary length"},
		{"$12a\r\n", "binary length"},
		{"$99999999999999999999\r\n", "binary length"},
		{"$3\r\nabcXY", "binary payload"},
		{"?ping\r\n", "type marker"},
		{"+a\rb\r\n", "simple string"},
		{"-oops\n", "error"},
		{"_x\r\n", "null"},
	}

	for _, tt := range tests {
		_, n, err := Decode([]byte(tt.input))
		require.Error(t, err, tt.input)
		assert.Zero(t, n)
		var pe *ProtocolError
		require.ErrorAs(t, err, &pe, tt.input)
		assert.Equal(t, tt.field, pe.Field, tt.input)
	}
}

func TestDecoderLimits(t *testing.T) {
	dec := NewDecoder(Limits{MaxBinaryLen: 4, MaxArrayLen: 2, MaxDepth: 1})

	_, _, err := dec.Decode([]byte("$5\r\nhello\r\n"))
	assert.True(t, IsProtocolError(err))

	_, _, err = dec.Decode([]byte("*3\r\n"))
	assert.True(t, IsProtocolError(err))

	_, _, err = dec.Decode([]byte("*1\r\n*1\r\n*1\r\n+x\r\n"))
	assert.True(t, IsProtocolError(err))

	v, _, err := dec.Decode([]byte("*2\r\n$4\r\nabcd\r\n+e\r\n"))
	require.NoError(t, err)
	assert.Len(t, v.Elems, 2)
}

func TestEncodeRejectsDelimiterInLine(t *testing.T) {
	_, err := Encode(NewSimpleString("a\r\nb"))
	assert.True(t, IsProtocolError(err))

	_, err = Encode(NewError("bad\n"))
	assert.True(t, IsProtocolError(err))
}

func TestConnReadsSplitFrames(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	conn := NewConn(server, nil)
	defer conn.Close()

	req := MustEncode(Strings("PUT", "key", "value"))
	go func() {
		// dribble the frame across several writes, then close
		for i := 0; i < len(req); i += 3 {
			end := i + 3
			if end > len(req) {
				end = len(req)
			}
			client.Write(req[i:end])
		}
		client.Write(req)
		client.Close()
	}()

	for i := 0; i < 2; i++ {
		v, err := conn.ReadValue()
		require.NoError(t, err)
		assert.True(t, Strings("PUT", "key", "value").Equal(v))
	}
	_, err := conn.ReadValue()
	assert.Equal(t, io.EOF, err)
}

func TestConnUnexpectedEOF(t *testing.T) {
	client, server := net.Pipe()
	conn := NewConn(server, nil)
	defer conn.Close()

	go func() {
		client.Write([]byte("*2\r\n+GET\r\n"))
		client.Close()
	}()

	_, err := conn.ReadValue()
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

// eofConn hands out its data in one Read together with io.EOF.
type eofConn struct {
	net.Conn
	data []byte
}

func (c *eofConn) Read(p []byte) (int, error) {
	n := copy(p, c.data)
	c.data = c.data[n:]
	return n, io.EOF
}

func TestConnDecodesDataReadWithEOF(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	conn := NewConn(&eofConn{Conn: server, data: []byte("+PING\r\n+PONG\r\n")}, nil)
	defer conn.Close()

	v, err := conn.ReadValue()
	require.NoError(t, err)
	assert.True(t, NewSimpleString("PING").Equal(v), v.String())

	v, err = conn.ReadValue()
	require.NoError(t, err)
	assert.True(t, NewSimpleString("PONG").Equal(v), v.String())

	_, err = conn.ReadValue()
	assert.Equal(t, io.EOF, err)
}
