package api

import "context"

// MonitorSource is what a monitor view renders. Store routes writes made
// through the view to the same state the control channel uses.
type MonitorSource interface {
	Snapshotter
	Store(ctx context.Context, data []byte) (int, error)
}

// MonitorView is a read-mostly rendering of a device.
type MonitorView interface {
	Name() string
	Remove() error
}

// MonitorFactory creates monitor views.
type MonitorFactory interface {
	CreateView(name string, src MonitorSource) (MonitorView, error)
}
