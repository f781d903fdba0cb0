package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/myuser/uranus/internal/protocol"
)

func TestFormatValue(t *testing.T) {
	row := func(k, v string) protocol.Value {
		return protocol.NewArray(protocol.NewBinary([]byte(k)), protocol.NewBinary([]byte(v)))
	}
	cases := []struct {
		name string
		v    protocol.Value
		want string
	}{
		{"simple", protocol.NewSimpleString("OK"), "OK\n"},
		{"error", protocol.NewError("CONFLICT key \"x\""), "(error) CONFLICT key \"x\"\n"},
		{"null", protocol.NullValue, "(nil)\n"},
		{"binary", protocol.NewBinary([]byte("a\r\nb")), "\"a\\r\\nb\"\n"},
		{"empty", protocol.NewArray(), "(empty array)\n"},
		{"scan", protocol.NewArray(row("a", "1"), row("b", "2")),
			"1) 1) \"a\"\n   2) \"1\"\n2) 1) \"b\"\n   2) \"2\"\n"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, formatValue(c.v, ""))
		})
	}
}
