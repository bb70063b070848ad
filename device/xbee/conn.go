// Package xbee talks to an XBee module in API mode: it correlates requests
// with responses, runs node discovery, and exposes module parameters.
package xbee

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"xbeectl/api"
	"xbeectl/device"
	"xbeectl/logging"
)

// ErrNoFrameID is returned for a request with frame id 0, which the module
// never answers.
var ErrNoFrameID = errors.New("xbee: request has frame id 0 and gets no response")

// pollInterval caps a single port read so ctx is checked regularly
const pollInterval = 100 * time.Millisecond

// Conn owns one port in API mode. The protocol is half duplex at the
// request level, so every operation holds the connection lock for its
// whole exchange.
type Conn struct {
	mu      sync.Mutex
	port    device.Port
	reader  *deadlineReader
	dec     *api.Decoder
	limiter *rate.Limiter
	onFrame func(api.Frame)

	closeMu sync.Mutex
	closed  error

	idMu    sync.Mutex
	frameID byte
}

// Option configures a Conn
type Option func(*Conn)

// WithRateLimit paces outgoing frames to perSecond. Zero disables pacing.
func WithRateLimit(perSecond float64) Option {
	return func(c *Conn) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithFrameHandler receives every decoded frame that is not the response
// being waited for (modem status, received packets, stale responses).
// It runs with the connection lock held and must not call back into Conn.
func WithFrameHandler(fn func(api.Frame)) Option {
	return func(c *Conn) {
		c.onFrame = fn
	}
}

// NewConn wraps an open port
func NewConn(port device.Port, opts ...Option) *Conn {
	c := &Conn{port: port}
	c.reader = &deadlineReader{port: port, poll: pollInterval, closed: c.err}
	c.dec = api.NewDecoder(c.reader)
	c.dec.OnStray = func(stray []byte) {
		logging.Warn("Stray bytes before frame delimiter",
			zap.Int("count", len(stray)),
			zap.String("hex", hex.EncodeToString(stray)),
		)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NextFrameID returns the next correlation id. It wraps at 8 bits and
// skips 0, which would suppress the response.
func (c *Conn) NextFrameID() byte {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	c.frameID++
	if c.frameID == 0 {
		c.frameID = 1
	}
	return c.frameID
}

// SendAndAwait writes req and waits up to timeout for the response of
// req.ResponseType() carrying the same frame id. Frames that do not match
// are handed to the frame handler and the wait goes on.
//
// A response with a non-OK status is returned as a frame, not an error.
// Checksum and protocol errors are returned as they happen; an expired
// wait returns api.ErrTimeout; a failed transport returns api.ErrClosed.
func (c *Conn) SendAndAwait(ctx context.Context, req api.Request, timeout time.Duration) (api.Frame, error) {
	if req.FrameID() == 0 {
		return nil, ErrNoFrameID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(ctx, req); err != nil {
		return nil, err
	}

	c.reader.arm(ctx, timeout)
	defer c.reader.disarm()

	for {
		f, err := c.readFrame()
		if err != nil {
			if recoverable(err) {
				continue
			}
			return nil, fmt.Errorf("awaiting %s for %s id %d: %w",
				req.ResponseType(), req.FrameType(), req.FrameID(), err)
		}
		if matches(f, req.ResponseType(), req.FrameID()) {
			return f, nil
		}
		logging.Debug("Discarding non-matching frame",
			zap.Stringer("type", f.FrameType()),
			zap.Uint8("want_id", req.FrameID()),
		)
		c.dispatch(f)
	}
}

// Send writes a frame without waiting for anything
func (c *Conn) Send(ctx context.Context, f api.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(ctx, f)
}

// Write passes raw bytes straight to the module
func (c *Conn) Write(ctx context.Context, raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err(); err != nil {
		return err
	}
	return c.write(ctx, raw)
}

// Poll waits up to timeout for one frame of any kind. The frame is also
// given to the frame handler.
func (c *Conn) Poll(ctx context.Context, timeout time.Duration) (api.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.err(); err != nil {
		return nil, err
	}

	c.reader.arm(ctx, timeout)
	defer c.reader.disarm()

	for {
		f, err := c.readFrame()
		if err != nil {
			if recoverable(err) {
				continue
			}
			return nil, err
		}
		c.dispatch(f)
		return f, nil
	}
}

// Close closes the port. It does not wait for the operation in progress:
// that wait and every later call fail with api.ErrClosed.
func (c *Conn) Close() error {
	c.latch(api.ErrClosed)
	return c.port.Close()
}

// err returns the latched transport failure, if any
func (c *Conn) err() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}

// latch records the first transport failure and returns the latched error
func (c *Conn) latch(err error) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed == nil {
		c.closed = err
	}
	return c.closed
}

func (c *Conn) send(ctx context.Context, f api.Frame) error {
	if err := c.err(); err != nil {
		return err
	}
	wire, err := api.Encode(f)
	if err != nil {
		return fmt.Errorf("encode %s: %w", f.FrameType(), err)
	}
	return c.write(ctx, wire)
}

func (c *Conn) write(ctx context.Context, wire []byte) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	logging.LogRawBytes("tx", wire)

	// once the first byte is out the frame is finished regardless of ctx
	written := 0
	for written < len(wire) {
		n, err := c.port.Write(wire[written:])
		if err != nil {
			if written > 0 {
				logging.Error("Partial frame written", zap.Int("written", written), zap.Int("len", len(wire)))
			}
			return c.latch(fmt.Errorf("%w: %w", api.ErrClosed, err))
		}
		written += n
	}
	return nil
}

// readFrame decodes one frame. Errors that mean the byte stream is gone
// latch the connection closed.
func (c *Conn) readFrame() (api.Frame, error) {
	if err := c.err(); err != nil {
		return nil, err
	}
	f, err := c.dec.ReadFrame()
	if err == nil {
		return f, nil
	}

	switch {
	case errors.Is(err, api.ErrClosed):
		return nil, c.latch(err)
	case errors.Is(err, api.ErrTimeout),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return nil, err
	case errors.Is(err, api.ErrChecksum), errors.Is(err, api.ErrProtocol):
		logging.Warn("Discarding malformed frame", zap.Error(err))
		return nil, err
	case recoverable(err):
		logging.Warn("Resynchronizing frame stream", zap.Error(err))
		return nil, err
	}

	logging.Error("Transport failed", zap.Error(err))
	return nil, c.latch(fmt.Errorf("%w: %w", api.ErrClosed, err))
}

// recoverable errors leave the stream usable: the next read resynchronizes
// on a delimiter.
func recoverable(err error) bool {
	return errors.Is(err, api.ErrTruncated) || errors.Is(err, api.ErrEmptyFrame)
}

func (c *Conn) dispatch(f api.Frame) {
	if c.onFrame != nil {
		c.onFrame(f)
	}
}

func matches(f api.Frame, want api.FrameType, id byte) bool {
	if f.FrameType() != want {
		return false
	}
	cf, ok := f.(api.Correlated)
	return ok && cf.FrameID() == id
}

// deadlineReader turns the port's per-read timeout into a per-call
// deadline. Zero-byte reads are retried until the deadline passes, which
// then surfaces as api.ErrTimeout. A latched close ends the wait at the
// next poll.
type deadlineReader struct {
	port     device.Port
	poll     time.Duration
	closed   func() error
	ctx      context.Context
	deadline time.Time
}

func (r *deadlineReader) arm(ctx context.Context, timeout time.Duration) {
	r.ctx = ctx
	r.deadline = time.Now().Add(timeout)
}

func (r *deadlineReader) disarm() {
	r.ctx = nil
	r.deadline = time.Time{}
}

func (r *deadlineReader) Read(b []byte) (int, error) {
	for {
		if r.closed != nil {
			if err := r.closed(); err != nil {
				return 0, err
			}
		}
		if r.ctx != nil {
			if err := r.ctx.Err(); err != nil {
				return 0, err
			}
		}
		remaining := time.Until(r.deadline)
		if remaining <= 0 {
			return 0, api.ErrTimeout
		}
		if remaining > r.poll {
			remaining = r.poll
		}
		if err := r.port.SetReadTimeout(remaining); err != nil {
			return 0, err
		}
		n, err := r.port.Read(b)
		if n > 0 || err != nil {
			return n, err
		}
	}
}
