// Command shmdev serves a shared device over a unix socket, with an HTTP
// monitor view, prometheus metrics and health endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srediag/shmdev/adapter"
	"github.com/srediag/shmdev/internal/debug"
	"github.com/srediag/shmdev/pkg/audit"
	"github.com/srediag/shmdev/pkg/health"
	"github.com/srediag/shmdev/pkg/notify"
	"github.com/srediag/shmdev/pkg/transport"
	"github.com/srediag/shmdev/plugin"
)

var logger = debug.New("shmdev", os.Stderr)

type options struct {
	name        string
	socket      string
	httpAddr    string
	memfd       bool
	prune       bool
	trustCaller bool
	workers     int
	events      int
	auditLog    bool
}

func parseFlags() *options {
	o := &options{}
	flag.StringVar(&o.name, "name", envOr("SHMDEV_NAME", "dirbtree"), "Device name")
	flag.StringVar(&o.socket, "socket", envOr("SHMDEV_SOCKET", filepath.Join(os.TempDir(), "shmdev.sock")), "Control socket path")
	flag.StringVar(&o.httpAddr, "http", envOr("SHMDEV_HTTP", "127.0.0.1:9731"), "Monitor, metrics and health address (empty disables)")
	flag.BoolVar(&o.memfd, "memfd", envBool("SHMDEV_MEMFD", false), "Keep the buffer in a memfd mapping (linux)")
	flag.BoolVar(&o.prune, "prune", envBool("SHMDEV_PRUNE", true), "Drop notification registrations of exited processes")
	flag.BoolVar(&o.trustCaller, "trust-caller", envBool("SHMDEV_TRUST_CALLER", false), "Use the caller identity sent by clients")
	flag.IntVar(&o.workers, "notify-workers", envInt("SHMDEV_NOTIFY_WORKERS", 4), "Notification delivery workers")
	flag.IntVar(&o.events, "events", envInt("SHMDEV_EVENTS", 256), "Trace events kept for /events")
	flag.BoolVar(&o.auditLog, "audit-log", envBool("SHMDEV_AUDIT_LOG", false), "Log trace events to stderr")
	flag.Parse()
	return o
}

func main() {
	o := parseFlags()
	if err := run(o); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(o *options) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	events := audit.NewMemorySink(o.events)
	var sink audit.Sink = events
	if o.auditLog {
		slogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		sink = audit.Multi{events, adapter.NewSlogSink(slogger)}
	}

	hub := notify.NewHub()
	config := plugin.DefaultConfig()
	config.NotifyWorkers = o.workers
	config.PruneDeadObservers = o.prune
	config.Notifier = hub
	config.Registerer = reg
	config.Meter = adapter.Meter()
	config.Tracer = adapter.Tracer()
	config.Audit = sink
	if o.memfd {
		config.MemMapType = plugin.MemMapTypeMemFd
	}

	dev, err := plugin.NewSharedDevice(ctx, o.name, config)
	if err != nil {
		return fmt.Errorf("create device: %w", err)
	}

	registry := transport.NewRegistry()
	monitor := adapter.NewHTTPMonitor("/proc/")
	module := plugin.NewModule(dev, registry, monitor)
	if err := module.Load(ctx); err != nil {
		_ = dev.Close(context.Background())
		return fmt.Errorf("load module: %w", err)
	}

	var serverOpts []transport.ServerOption
	if o.trustCaller {
		serverOpts = append(serverOpts, transport.WithTrustClientCaller())
	}
	server := transport.NewServer(registry, hub, serverOpts...)
	ln, err := adapter.ListenUnix(o.socket)
	if err != nil {
		_ = module.Unload(context.Background())
		return fmt.Errorf("listen: %w", err)
	}
	go func() {
		if err := server.Serve(ctx, ln); err != nil && !errors.Is(err, transport.ErrServerClosed) {
			logger.Errorf("serve %s: %v", o.socket, err)
			stop()
		}
	}()
	logger.Infof("device %s on %s", o.name, o.socket)

	var httpSrv *http.Server
	if o.httpAddr != "" {
		hc := health.NewHandler(health.Options{Registerer: reg, Namespace: "shmdev"})
		health.Register(hc, registry, dev, o.name, health.Options{})

		mux := http.NewServeMux()
		mux.Handle(monitor.Prefix(), monitor)
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		mux.HandleFunc("/events", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			for _, e := range events.Events() {
				_, _ = fmt.Fprintln(w, e.String())
			}
		})
		adapter.MountHealth(mux, "/healthz", hc)

		httpSrv = &http.Server{Addr: o.httpAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("http %s: %v", o.httpAddr, err)
				stop()
			}
		}()
		logger.Infof("monitor on http://%s%s%s", o.httpAddr, monitor.Prefix(), o.name)
	}

	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)

	for ctx.Err() == nil {
		select {
		case <-usr1:
			logger.Warnf("%s", plugin.DebugDeviceDetail(dev))
		case <-ctx.Done():
		}
	}

	logger.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	if httpSrv != nil {
		errs = append(errs, httpSrv.Shutdown(shutdownCtx))
	}
	errs = append(errs, server.Close(), module.Unload(shutdownCtx))
	return errors.Join(errs...)
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		logger.Warnf("ignoring %s=%q: not a boolean", key, v)
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		logger.Warnf("ignoring %s=%q: not a number", key, v)
	}
	return def
}
