package adapter

import (
	"net/http"
	"strings"

	"github.com/heptiolabs/healthcheck"
)

// MountHealth serves the liveness and readiness endpoints of h below
// prefix, e.g. "/healthz" gives "/healthz/live" and "/healthz/ready".
func MountHealth(mux *http.ServeMux, prefix string, h healthcheck.Handler) {
	prefix = strings.TrimSuffix(prefix, "/")
	mux.HandleFunc(prefix+"/live", h.LiveEndpoint)
	mux.HandleFunc(prefix+"/ready", h.ReadyEndpoint)
}
