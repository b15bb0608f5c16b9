package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fxamacker/cbor/v2"

	"github.com/srediag/shmdev/api"
)

// ErrClientClosed is returned for calls on a closed client.
var ErrClientClosed = errors.New("transport: client closed")

const defaultSignalBuffer = 16

// DialOption customizes Dial.
type DialOption func(*dialOptions)

type dialOptions struct {
	caller     api.PID
	newBackOff func() backoff.BackOff
}

// WithCaller sets the identity sent on attach. It is only used when the
// server cannot learn the peer process from the connection.
func WithCaller(pid api.PID) DialOption {
	return func(o *dialOptions) { o.caller = pid }
}

// WithDialBackOff sets the retry policy for connecting.
func WithDialBackOff(f func() backoff.BackOff) DialOption {
	return func(o *dialOptions) { o.newBackOff = f }
}

// Dial connects to a server and attaches to device. Connection failures
// are retried until the backoff gives up or ctx ends; attach errors are not.
func Dial(ctx context.Context, network, address, device string, opts ...DialOption) (*Client, error) {
	o := dialOptions{
		caller: api.PID(os.Getpid()),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxElapsedTime = 2 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(&o)
	}

	var d net.Dialer
	var nc net.Conn
	dial := func() error {
		var err error
		nc, err = d.DialContext(ctx, network, address)
		return err
	}
	if err := backoff.Retry(dial, backoff.WithContext(o.newBackOff(), ctx)); err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}
	c, err := NewClient(ctx, nc, device, o.caller)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	return c, nil
}

// Client is one attached connection to a device.
type Client struct {
	nc     net.Conn
	device string
	caller api.PID
	handle api.Handle

	wmu sync.Mutex
	enc *cbor.Encoder

	nextID  atomic.Uint32
	mu      sync.Mutex
	pending map[uint32]chan *Response
	err     error
	done    chan struct{}
	signals chan api.Signal
}

// NewClient attaches to device over nc. The client owns nc afterwards.
func NewClient(ctx context.Context, nc net.Conn, device string, caller api.PID) (*Client, error) {
	c := &Client{
		nc:      nc,
		device:  device,
		caller:  caller,
		enc:     newEncoder(nc),
		pending: make(map[uint32]chan *Response),
		done:    make(chan struct{}),
		signals: make(chan api.Signal, defaultSignalBuffer),
	}
	go c.readLoop()

	resp, err := c.call(ctx, &Request{Op: OpAttach, Device: device, Caller: int32(caller)})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("attach %s: %w", device, err)
	}
	c.handle = api.Handle(resp.Handle)
	return c, nil
}

// Handle returns the handle the server opened for this client.
func (c *Client) Handle() api.Handle { return c.handle }

// Device returns the attached device name.
func (c *Client) Device() string { return c.device }

// Read reads at most n bytes. A caller that already read the current
// content gets api.ErrEndOfStream.
func (c *Client) Read(ctx context.Context, n int) ([]byte, error) {
	resp, err := c.call(ctx, &Request{Op: OpRead, Length: n})
	if err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return []byte{}, nil
	}
	return resp.Data, nil
}

// Write stores data and returns the stored length.
func (c *Client) Write(ctx context.Context, data []byte) (int, error) {
	resp, err := c.call(ctx, &Request{Op: OpWrite, Data: data})
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// Command issues op with arg.
func (c *Client) Command(ctx context.Context, op api.Opcode, arg []byte) error {
	_, err := c.call(ctx, &Request{Op: OpCommand, Opcode: uint32(op), Data: arg})
	return err
}

// Notify enables or disables readable signals on Signals.
func (c *Client) Notify(ctx context.Context, enable bool) error {
	_, err := c.call(ctx, &Request{Op: OpNotify, Enable: enable})
	return err
}

// Snapshot returns the monitor text of the device.
func (c *Client) Snapshot(ctx context.Context) (string, error) {
	resp, err := c.call(ctx, &Request{Op: OpSnapshot})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Signals delivers readable signals after Notify(ctx, true). Signals
// arriving while the channel is full are dropped; one pending signal
// already means the device is readable.
func (c *Client) Signals() <-chan api.Signal { return c.signals }

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close closes the connection. The server releases the handle.
func (c *Client) Close() error {
	err := c.nc.Close()
	<-c.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Client) call(ctx context.Context, req *Request) (*Response, error) {
	req.ID = c.nextID.Add(1)
	if req.ID == 0 {
		req.ID = c.nextID.Add(1)
	}
	req.Timeout = timeoutOf(ctx.Deadline())

	ch := make(chan *Response, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.wmu.Lock()
	err := c.enc.Encode(req)
	c.wmu.Unlock()
	if err != nil {
		c.forget(req.ID)
		return nil, fmt.Errorf("send %s: %w", req.Op, err)
	}

	select {
	case resp := <-ch:
		return resp, resp.Err()
	case <-ctx.Done():
		c.forget(req.ID)
		return nil, fmt.Errorf("%w: %w", api.ErrInterrupted, ctx.Err())
	case <-c.done:
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
}

func (c *Client) forget(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	dec := newDecoder(c.nc)
	for {
		resp := &Response{}
		if err := dec.Decode(resp); err != nil {
			c.fail(err)
			return
		}
		if resp.ID == 0 {
			if resp.Signal != nil {
				select {
				case c.signals <- resp.Signal.signal(c.caller, c.device, c.handle):
				default:
				}
			}
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if errors.Is(err, net.ErrClosed) {
		c.err = ErrClientClosed
	} else {
		c.err = fmt.Errorf("%w: %w", ErrClientClosed, err)
	}
	c.pending = make(map[uint32]chan *Response)
	c.mu.Unlock()
	close(c.done)
	close(c.signals)
}
