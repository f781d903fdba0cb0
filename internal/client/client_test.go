package client

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myuser/uranus/internal/protocol"
)

// fakeServer answers each request on the pipe with the next canned reply and
// records what it received.
func fakeServer(t *testing.T, replies ...protocol.Value) (*Client, <-chan protocol.Value) {
	t.Helper()
	cli, srv := net.Pipe()
	got := make(chan protocol.Value, len(replies))
	go func() {
		conn := protocol.NewConn(srv, nil)
		defer conn.Close()
		for _, r := range replies {
			req, err := conn.ReadValue()
			if err != nil {
				return
			}
			got <- req
			if err := conn.WriteValue(r); err != nil {
				return
			}
		}
	}()
	c := New(cli)
	t.Cleanup(func() { c.Close() })
	return c, got
}

func TestServerErrorReply(t *testing.T) {
	c, _ := fakeServer(t, protocol.NewError("CONFLICT key \"x\" written at seq 3"))

	_, err := c.Commit()
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.False(t, IsInvalidState(err))

	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "CONFLICT", se.Code)
	assert.Equal(t, `key "x" written at seq 3`, se.Msg)
}

func TestRequestEncoding(t *testing.T) {
	c, got := fakeServer(t,
		protocol.NewSimpleString("OK"),
		protocol.NullValue,
		protocol.NewArray(protocol.NewArray(protocol.NewBinary([]byte("a")), protocol.NewBinary([]byte("1")))),
	)

	require.NoError(t, c.Put([]byte("k"), []byte("v")))
	assert.True(t, protocol.Strings("PUT", "k", "v").Equal(<-got))

	_, ok, err := c.Get([]byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)
	<-got

	kvs, err := c.Scan([]byte("a"), nil, 10)
	require.NoError(t, err)
	assert.Equal(t, []KV{{Key: []byte("a"), Value: []byte("1")}}, kvs)

	req := <-got
	require.Len(t, req.Elems, 4)
	assert.Equal(t, protocol.KindBinary, req.Elems[2].Kind, "empty end is sent as an empty binary")
}
