// Package audit contains internal helpers for formatting device trace events.
package audit

import (
	"strconv"

	"github.com/valyala/bytebufferpool"
)

// Fields is the flattened form of a trace event.
type Fields struct {
	Kind   string
	Device string
	Handle uint64
	Caller int32
	Detail string
}

// Format renders f as a single `key=value` line.
func Format(f Fields) string {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	_, _ = buf.WriteString("event=")
	_, _ = buf.WriteString(f.Kind)
	_, _ = buf.WriteString(" device=")
	_, _ = buf.WriteString(f.Device)
	if f.Handle != 0 {
		_, _ = buf.WriteString(" handle=")
		buf.B = strconv.AppendUint(buf.B, f.Handle, 10)
	}
	if f.Caller != 0 {
		_, _ = buf.WriteString(" pid=")
		buf.B = strconv.AppendInt(buf.B, int64(f.Caller), 10)
	}
	if f.Detail != "" {
		_, _ = buf.WriteString(" detail=")
		buf.B = strconv.AppendQuote(buf.B, f.Detail)
	}
	return buf.String()
}
