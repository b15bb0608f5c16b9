package adapter

import (
	"context"
	"log/slog"

	"github.com/srediag/shmdev/pkg/audit"
)

// SlogSink writes device trace events to an slog.Logger at Debug level.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink returns a sink writing to logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

// Record implements audit.Sink.
func (s *SlogSink) Record(e audit.Event) {
	attrs := []slog.Attr{
		slog.String("event", string(e.Kind)),
		slog.String("device", e.Device),
		slog.Uint64("handle", uint64(e.Handle)),
		slog.Int("pid", int(e.Caller)),
	}
	if e.Detail != "" {
		attrs = append(attrs, slog.String("detail", e.Detail))
	}
	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "device event", attrs...)
}

var _ audit.Sink = (*SlogSink)(nil)
