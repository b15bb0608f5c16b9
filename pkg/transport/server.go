package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/shmdev/api"
	"github.com/srediag/shmdev/internal/debug"
	ipeer "github.com/srediag/shmdev/internal/transport"
	"github.com/srediag/shmdev/pkg/notify"
)

var logger = debug.New("transport", os.Stdout)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("transport: server closed")

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithTrustClientCaller makes the server use the caller identity sent by
// the client even when the kernel reports the peer process.
func WithTrustClientCaller() ServerOption {
	return func(s *Server) { s.trustCaller = true }
}

// Server serves the devices of a Registry. Signals are taken from the
// mailboxes of hub, which must be the Notifier of the served devices.
type Server struct {
	registry    *Registry
	hub         *notify.Hub
	trustCaller bool

	nextConn atomic.Uint64
	conns    cmap.ConcurrentMap[string, *serverConn]
	routes   cmap.ConcurrentMap[string, *serverConn]

	mu        sync.Mutex
	pumps     map[api.PID]*pump
	listeners map[net.Listener]struct{}
	closed    bool
	wg        sync.WaitGroup
}

type pump struct {
	refs   int
	cancel context.CancelFunc
}

// NewServer returns a server for registry.
func NewServer(registry *Registry, hub *notify.Hub, opts ...ServerOption) *Server {
	s := &Server{
		registry:  registry,
		hub:       hub,
		conns:     cmap.New[*serverConn](),
		routes:    cmap.New[*serverConn](),
		pumps:     make(map[api.PID]*pump),
		listeners: make(map[net.Listener]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve accepts connections on ln until ln fails or Close is called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, ln)
		s.mu.Unlock()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, nc)
		}()
	}
}

// ServeConn serves one connection and returns when it is closed.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) {
	c := &serverConn{
		id:     strconv.FormatUint(s.nextConn.Add(1), 10),
		nc:     nc,
		enc:    newEncoder(nc),
		caller: api.NoPID,
	}
	if pid, ok := ipeer.PeerPID(nc); ok {
		c.peer = api.PID(pid)
	}
	s.conns.Set(c.id, c)
	defer s.conns.Remove(c.id)
	defer nc.Close()
	defer s.detach(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = nc.SetReadDeadline(time.Now())
	}()

	dec := newDecoder(nc)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				logger.Debugf("conn %s: decode: %v", c.id, err)
			}
			return
		}
		resp := s.handle(ctx, c, &req)
		if err := c.send(resp); err != nil {
			logger.Debugf("conn %s: send: %v", c.id, err)
			return
		}
	}
}

// ConnectionCount returns the number of connections being served.
func (s *Server) ConnectionCount() int { return s.conns.Count() }

// Close stops every listener and connection and waits for them.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var errs []error
	for ln := range s.listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	s.mu.Unlock()

	s.conns.IterCb(func(_ string, c *serverConn) {
		_ = c.nc.Close()
	})
	s.wg.Wait()
	return errors.Join(errs...)
}

func (s *Server) handle(parent context.Context, c *serverConn, req *Request) *Response {
	ctx := parent
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, time.Duration(req.Timeout)*time.Millisecond)
		defer cancel()
	}

	if req.Op == OpAttach {
		return s.attach(ctx, c, req)
	}
	if c.dev == nil {
		return errorResponse(req.ID, fmt.Errorf("%w: %s before attach", api.ErrFaultyArgument, req.Op))
	}

	resp := &Response{ID: req.ID}
	var err error
	switch req.Op {
	case OpRead:
		resp.Data, err = c.dev.Read(ctx, c.handle, c.caller, req.Length)
		resp.Count = len(resp.Data)
	case OpWrite:
		resp.Count, err = c.dev.Write(ctx, c.handle, c.caller, req.Data)
	case OpCommand:
		err = c.dev.Command(ctx, c.handle, api.Opcode(req.Opcode), req.Data)
	case OpNotify:
		err = s.setNotify(c, req.Enable)
	case OpSnapshot:
		snap, ok := c.dev.(api.Snapshotter)
		if !ok {
			err = fmt.Errorf("%w: device has no snapshot", api.ErrNotSupported)
			break
		}
		resp.Text, err = snap.Snapshot(ctx)
	default:
		err = fmt.Errorf("%w: %s", api.ErrNotSupported, req.Op)
	}
	if err != nil {
		// EndOfStream keeps whatever the device returned, which is nothing.
		out := errorResponse(req.ID, err)
		out.Data, out.Count = resp.Data, resp.Count
		return out
	}
	return resp
}

func (s *Server) attach(ctx context.Context, c *serverConn, req *Request) *Response {
	if c.dev != nil {
		return errorResponse(req.ID, fmt.Errorf("%w: already attached to %s", api.ErrFaultyArgument, c.device))
	}
	dev, err := s.registry.Lookup(req.Device)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	caller := c.peer
	if caller == api.NoPID || s.trustCaller {
		caller = api.PID(req.Caller)
	}
	h, err := dev.Open(ctx, caller)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	c.dev, c.device, c.handle, c.caller = dev, req.Device, h, caller
	logger.Debugf("conn %s attached to %s handle=%d pid=%d", c.id, req.Device, h, caller)
	return &Response{ID: req.ID, Handle: uint64(h)}
}

func (s *Server) setNotify(c *serverConn, enable bool) error {
	if err := c.dev.RegisterNotification(c.handle, c.caller, enable); err != nil {
		return err
	}
	switch {
	case enable && !c.notifying:
		c.notifying = true
		s.routes.Set(routeKey(c.device, c.handle), c)
		s.retainPump(c.caller)
	case !enable && c.notifying:
		c.notifying = false
		s.routes.Remove(routeKey(c.device, c.handle))
		s.releasePump(c.caller)
	}
	return nil
}

func (s *Server) detach(c *serverConn) {
	if c.dev == nil {
		return
	}
	if c.notifying {
		c.notifying = false
		s.routes.Remove(routeKey(c.device, c.handle))
		s.releasePump(c.caller)
	}
	if err := c.dev.Release(context.Background(), c.handle); err != nil {
		logger.Warnf("conn %s: release %s handle=%d: %v", c.id, c.device, c.handle, err)
	}
	logger.Debugf("conn %s detached from %s", c.id, c.device)
}

// retainPump starts draining the mailbox of owner on first use.
func (s *Server) retainPump(owner api.PID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pumps[owner]; ok {
		p.refs++
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.pumps[owner] = &pump{refs: 1, cancel: cancel}
	box := s.hub.Mailbox(owner)
	go s.drain(ctx, box)
}

func (s *Server) releasePump(owner api.PID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pumps[owner]
	if !ok {
		return
	}
	if p.refs--; p.refs > 0 {
		return
	}
	delete(s.pumps, owner)
	p.cancel()
	s.hub.Remove(owner)
}

func (s *Server) drain(ctx context.Context, box *notify.Mailbox) {
	for {
		sig, err := box.Next(ctx)
		if err != nil {
			return
		}
		c, ok := s.routes.Get(routeKey(sig.Device, sig.Handle))
		if !ok {
			logger.Tracef("no route for signal %s/%d", sig.Device, sig.Handle)
			continue
		}
		if err := c.send(signalResponse(sig)); err != nil {
			logger.Debugf("conn %s: signal: %v", c.id, err)
		}
	}
}

func routeKey(device string, h api.Handle) string {
	return device + "/" + strconv.FormatUint(uint64(h), 10)
}

// serverConn is one attached connection. dev, handle and caller are only
// touched by the connection's own goroutine.
type serverConn struct {
	id  string
	nc  net.Conn
	wmu sync.Mutex
	enc *cbor.Encoder

	peer      api.PID
	dev       api.Device
	device    string
	handle    api.Handle
	caller    api.PID
	notifying bool
}

func (c *serverConn) send(resp *Response) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.enc.Encode(resp)
}
