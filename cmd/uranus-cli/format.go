package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/myuser/uranus/internal/protocol"
)

// formatValue renders a reply the way redis-cli does: quoted binaries,
// numbered array rows, nested arrays indented under their row number.
func formatValue(v protocol.Value, indent string) string {
	var b strings.Builder
	writeValue(&b, v, indent)
	return b.String()
}

func writeValue(b *strings.Builder, v protocol.Value, indent string) {
	switch v.Kind {
	case protocol.KindSimpleString:
		b.WriteString(v.Str)
	case protocol.KindError:
		b.WriteString("(error) " + v.Str)
	case protocol.KindBinary:
		b.WriteString(strconv.Quote(string(v.Bytes)))
	case protocol.KindNull:
		b.WriteString("(nil)")
	case protocol.KindArray:
		if len(v.Elems) == 0 {
			b.WriteString("(empty array)")
			break
		}
		width := len(strconv.Itoa(len(v.Elems)))
		for i, e := range v.Elems {
			prefix := fmt.Sprintf("%*d) ", width, i+1)
			if i > 0 {
				b.WriteString(indent)
			}
			b.WriteString(prefix)
			if e.Kind == protocol.KindArray && len(e.Elems) > 0 {
				writeValue(b, e, indent+strings.Repeat(" ", len(prefix)))
				continue
			}
			writeValue(b, e, "")
		}
		return
	default:
		b.WriteString(v.String())
	}
	b.WriteByte('\n')
}
