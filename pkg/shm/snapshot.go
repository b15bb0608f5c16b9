package shm

import (
	"github.com/valyala/bytebufferpool"
)

// SnapshotPrefix starts every snapshot line.
const SnapshotPrefix = "Device data: "

// FormatSnapshot renders the buffer content as a monitor line.
func FormatSnapshot(b *Buffer) string {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	_, _ = buf.WriteString(SnapshotPrefix)
	_, _ = buf.Write(b.region.Addr[:b.Len()])
	return buf.String()
}
