package adapter

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/shmdev/api"
)

// MaxMonitorWrite bounds the body accepted by a monitor write.
const MaxMonitorWrite = 4096

// HTTPMonitor is an api.MonitorFactory rendering each view at prefix+name.
// GET returns the snapshot text; POST and PUT write the body through to
// the device.
type HTTPMonitor struct {
	prefix string
	views  cmap.ConcurrentMap[string, *httpView]
}

// NewHTTPMonitor returns a monitor serving views below prefix, e.g. "/proc/".
func NewHTTPMonitor(prefix string) *HTTPMonitor {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &HTTPMonitor{prefix: prefix, views: cmap.New[*httpView]()}
}

// Prefix returns the path views are served below.
func (m *HTTPMonitor) Prefix() string { return m.prefix }

// CreateView implements api.MonitorFactory.
func (m *HTTPMonitor) CreateView(name string, src api.MonitorSource) (api.MonitorView, error) {
	if name == "" || strings.Contains(name, "/") || src == nil {
		return nil, fmt.Errorf("%w: monitor view %q", api.ErrFaultyArgument, name)
	}
	v := &httpView{name: name, src: src, monitor: m}
	if !m.views.SetIfAbsent(name, v) {
		return nil, fmt.Errorf("%w: monitor view %s", api.ErrBusy, name)
	}
	return v, nil
}

func (m *HTTPMonitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, m.prefix)
	v, ok := m.views.Get(name)
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		text, err := v.src.Snapshot(r.Context())
		if err != nil {
			http.Error(w, err.Error(), statusCode(err))
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, text+"\n")
	case http.MethodPost, http.MethodPut:
		body, err := io.ReadAll(io.LimitReader(r.Body, MaxMonitorWrite))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n, err := v.src.Store(r.Context(), body)
		if err != nil {
			http.Error(w, err.Error(), statusCode(err))
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintf(w, "%d\n", n)
	default:
		w.Header().Set("Allow", "GET, HEAD, POST, PUT")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, api.ErrInterrupted):
		return http.StatusServiceUnavailable
	case errors.Is(err, api.ErrFaultyArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type httpView struct {
	name    string
	src     api.MonitorSource
	monitor *HTTPMonitor
}

func (v *httpView) Name() string { return v.name }

func (v *httpView) Remove() error {
	removed := v.monitor.views.RemoveCb(v.name, func(_ string, cur *httpView, exists bool) bool {
		return exists && cur == v
	})
	if !removed {
		return fmt.Errorf("%w: monitor view %s", api.ErrNotFound, v.name)
	}
	return nil
}

var _ api.MonitorFactory = (*HTTPMonitor)(nil)
