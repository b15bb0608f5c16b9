package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/srediag/shmdev/api"
	"github.com/srediag/shmdev/pkg/notify"
	"github.com/srediag/shmdev/plugin"
)

// slowDevice waits for the context on every read.
type slowDevice struct{}

func (*slowDevice) Open(context.Context, api.PID) (api.Handle, error) { return 1, nil }
func (*slowDevice) Release(context.Context, api.Handle) error         { return nil }
func (*slowDevice) Read(ctx context.Context, _ api.Handle, _ api.PID, _ int) ([]byte, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %w", api.ErrInterrupted, ctx.Err())
}
func (*slowDevice) Write(context.Context, api.Handle, api.PID, []byte) (int, error) {
	return 0, nil
}
func (*slowDevice) Command(context.Context, api.Handle, api.Opcode, []byte) error { return nil }
func (*slowDevice) RegisterNotification(api.Handle, api.PID, bool) error       { return nil }

type fixture struct {
	hub      *notify.Hub
	registry *Registry
	server   *Server
	dev      *plugin.SharedDevice
}

func newFixture(t *testing.T, opts ...ServerOption) *fixture {
	t.Helper()
	hub := notify.NewHub()
	config := plugin.DefaultConfig()
	config.Notifier = hub
	dev, err := plugin.NewSharedDevice(context.Background(), "dirbtree", config)
	require.NoError(t, err)
	registry := NewRegistry()
	require.NoError(t, registry.Register(dev.Name(), dev))

	f := &fixture{hub: hub, registry: registry, server: NewServer(registry, hub, opts...), dev: dev}
	t.Cleanup(func() {
		_ = f.server.Close()
		_ = dev.Close(context.Background())
	})
	return f
}

func (f *fixture) pipe(t *testing.T, device string, caller api.PID) (*Client, error) {
	t.Helper()
	a, b := net.Pipe()
	go f.server.ServeConn(context.Background(), b)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := NewClient(ctx, a, device, caller)
	if err == nil {
		t.Cleanup(func() { _ = c.Close() })
	}
	return c, err
}

func (f *fixture) mustPipe(t *testing.T, caller api.PID) *Client {
	c, err := f.pipe(t, "dirbtree", caller)
	require.NoError(t, err)
	return c
}

func TestClientReadWrite(t *testing.T) {
	f := newFixture(t)
	a := f.mustPipe(t, 10)
	b := f.mustPipe(t, 20)
	ctx := context.Background()
	assert.NotEqual(t, a.Handle(), b.Handle())

	n, err := a.Write(ctx, []byte("HELLO"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	data, err := b.Read(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(data))

	_, err = b.Read(ctx, 100)
	assert.ErrorIs(t, err, api.ErrEndOfStream)

	data, err = a.Read(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(data))

	data, err = b.Read(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, data)

	n, err = a.Write(ctx, []byte(strings.Repeat("x", 40)))
	require.NoError(t, err)
	assert.Equal(t, 31, n)

	snap, err := b.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Device data: "+strings.Repeat("x", 31), snap)
}

func TestClientCommand(t *testing.T) {
	f := newFixture(t)
	c := f.mustPipe(t, 10)
	ctx := context.Background()

	assert.NoError(t, c.Command(ctx, plugin.CmdPrint, nil))
	assert.ErrorIs(t, c.Command(ctx, api.IO('k', 0), nil), api.ErrNotSupported)
	assert.ErrorIs(t, c.Command(ctx, api.IO(plugin.DeviceMagic, 9), nil), api.ErrNotSupported)
	assert.ErrorIs(t, c.Command(ctx, api.IOW(plugin.DeviceMagic, 1, 8), nil), api.ErrFaultyArgument)
	assert.NoError(t, c.Command(ctx, api.IOW(plugin.DeviceMagic, 1, 8), make([]byte, 8)))
}

func TestClientSignals(t *testing.T) {
	f := newFixture(t)
	writer := f.mustPipe(t, 10)
	watcher := f.mustPipe(t, 20)
	ctx := context.Background()

	require.NoError(t, watcher.Notify(ctx, true))
	_, err := writer.Write(ctx, []byte("ping"))
	require.NoError(t, err)

	select {
	case sig := <-watcher.Signals():
		assert.Equal(t, api.PID(20), sig.Owner)
		assert.Equal(t, "dirbtree", sig.Device)
		assert.Equal(t, watcher.Handle(), sig.Handle)
		assert.Equal(t, unix.SIGIO, sig.Signo)
		assert.EqualValues(t, 1, sig.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("no signal")
	}

	require.NoError(t, watcher.Notify(ctx, false))
	_, err = writer.Write(ctx, []byte("pong"))
	require.NoError(t, err)
	select {
	case sig := <-watcher.Signals():
		t.Fatalf("unexpected signal %+v", sig)
	case <-time.After(100 * time.Millisecond):
	}
	assert.NotContains(t, f.hub.Owners(), api.PID(20))
}

func TestAttachErrors(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipe(t, "missing", 10)
	assert.ErrorIs(t, err, api.ErrNotSupported)
	assert.Contains(t, err.Error(), "device not found")
}

func TestRequestBeforeAttach(t *testing.T) {
	f := newFixture(t)
	a, b := net.Pipe()
	defer a.Close()
	go f.server.ServeConn(context.Background(), b)

	c := &Client{
		nc:      a,
		enc:     newEncoder(a),
		pending: make(map[uint32]chan *Response),
		done:    make(chan struct{}),
		signals: make(chan api.Signal, 1),
	}
	go c.readLoop()
	_, err := c.Read(context.Background(), 10)
	assert.ErrorIs(t, err, api.ErrFaultyArgument)
}

func TestInterruptedOverWire(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Register("slow", &slowDevice{}))
	c, err := f.pipe(t, "slow", 10)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Read(ctx, 10)
	assert.ErrorIs(t, err, api.ErrInterrupted)
}

func TestServeUnixSocket(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("peer credentials are linux only")
	}
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "shmdev.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- f.server.Serve(context.Background(), ln) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a, err := Dial(ctx, "unix", path, "dirbtree", WithCaller(1))
	require.NoError(t, err)
	b, err := Dial(ctx, "unix", path, "dirbtree", WithCaller(2))
	require.NoError(t, err)

	_, err = a.Write(ctx, []byte("shared"))
	require.NoError(t, err)
	data, err := a.Read(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "shared", string(data))

	// Both connections come from this process, whatever they claim.
	_, err = b.Read(ctx, 10)
	assert.ErrorIs(t, err, api.ErrEndOfStream)
	assert.Equal(t, 2, f.server.ConnectionCount())

	require.NoError(t, b.Close())
	assert.Eventually(t, func() bool { return f.server.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, f.server.Close())
	assert.ErrorIs(t, <-served, ErrServerClosed)
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("client not closed by server shutdown")
	}
	_, err = a.Read(ctx, 10)
	assert.ErrorIs(t, err, ErrClientClosed)
	_ = os.Remove(path)
}

func TestServeTrustClientCaller(t *testing.T) {
	f := newFixture(t, WithTrustClientCaller())
	path := filepath.Join(t.TempDir(), "shmdev.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	go func() { _ = f.server.Serve(context.Background(), ln) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a, err := Dial(ctx, "unix", path, "dirbtree", WithCaller(1))
	require.NoError(t, err)
	defer a.Close()
	b, err := Dial(ctx, "unix", path, "dirbtree", WithCaller(2))
	require.NoError(t, err)
	defer b.Close()

	_, err = a.Read(ctx, 10)
	require.NoError(t, err)
	data, err := b.Read(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "EMPTY", string(data))
}

func TestDialGivesUp(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Dial(ctx, "unix", filepath.Join(t.TempDir(), "none.sock"), "dirbtree")
	assert.Error(t, err)
}
