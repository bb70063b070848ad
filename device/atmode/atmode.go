// Package atmode drives a module in transparent mode through its text
// command interface ("+++", "ATxx\r"). It is used to bring a factory-fresh
// radio into API mode.
package atmode

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"xbeectl/device"
	"xbeectl/logging"
)

var (
	// ErrCommandFailed is returned when the module answers ERROR
	ErrCommandFailed = errors.New("atmode: command failed")
	// ErrTimeout is returned when no complete reply arrives in time
	ErrTimeout = errors.New("atmode: timed out waiting for reply")
)

// DefaultGuardTime is the factory ATGT
const DefaultGuardTime = time.Second

const (
	escapeSequence = "+++"
	guardMargin    = 100 * time.Millisecond
	pollInterval   = 100 * time.Millisecond
)

// Client talks to one port in command mode. It is not safe for
// concurrent use.
type Client struct {
	port      device.Port
	reader    *bufio.Reader
	lines     *lineReader
	guardTime time.Duration
	timeout   time.Duration
}

// NewClient wraps an open port. guardTime is the module's ATGT and timeout
// bounds each reply.
func NewClient(port device.Port, guardTime, timeout time.Duration) *Client {
	if guardTime <= 0 {
		guardTime = DefaultGuardTime
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	lr := &lineReader{port: port}
	return &Client{
		port:      port,
		reader:    bufio.NewReader(lr),
		lines:     lr,
		guardTime: guardTime,
		timeout:   timeout,
	}
}

// Enter switches the module into command mode. The module needs a quiet
// line for the guard time on both sides of "+++". A module that is already
// in command mode stays silent, so a bare "AT" confirms it either way.
func (c *Client) Enter(ctx context.Context) error {
	if err := sleep(ctx, c.guardTime+guardMargin); err != nil {
		return err
	}
	logging.Debug("Sending escape sequence", zap.Duration("guard_time", c.guardTime))
	if _, err := c.port.Write([]byte(escapeSequence)); err != nil {
		return fmt.Errorf("atmode: write escape sequence: %w", err)
	}
	if err := sleep(ctx, c.guardTime+guardMargin); err != nil {
		return err
	}

	// the OK for "+++" is optional
	if reply, err := c.readLine(ctx, c.timeout); err == nil {
		logging.Debug("Escape sequence reply", zap.String("reply", reply))
	} else if !errors.Is(err, ErrTimeout) {
		return err
	}

	_, err := c.Command(ctx, "")
	return err
}

// Command sends "AT" + cmd and returns the reply without its CR. cmd may
// carry a parameter ("MY1234"). A reply of ERROR is ErrCommandFailed.
func (c *Client) Command(ctx context.Context, cmd string) (string, error) {
	line := "AT" + cmd + "\r"
	logging.LogRawBytes("tx", []byte(line))
	if _, err := c.port.Write([]byte(line)); err != nil {
		return "", fmt.Errorf("atmode: write AT%s: %w", cmd, err)
	}

	reply, err := c.readLine(ctx, c.timeout)
	if err != nil {
		return "", fmt.Errorf("atmode: AT%s: %w", cmd, err)
	}
	if reply == "ERROR" {
		return "", fmt.Errorf("%w: AT%s", ErrCommandFailed, cmd)
	}
	return reply, nil
}

// expectOK runs cmd and requires the module to answer OK
func (c *Client) expectOK(ctx context.Context, cmd string) error {
	reply, err := c.Command(ctx, cmd)
	if err != nil {
		return err
	}
	if reply != "OK" {
		return fmt.Errorf("atmode: AT%s answered %q, want OK", cmd, reply)
	}
	return nil
}

// GuardTime reads ATGT, reported by the module in hex milliseconds
func (c *Client) GuardTime(ctx context.Context) (time.Duration, error) {
	reply, err := c.Command(ctx, "GT")
	if err != nil {
		return 0, err
	}
	ms, err := strconv.ParseUint(reply, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("atmode: ATGT reply %q: %w", reply, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// Exit leaves command mode (ATCN)
func (c *Client) Exit(ctx context.Context) error {
	return c.expectOK(ctx, "CN")
}

// EnableAPIMode selects escaped API mode (ATAP2) and leaves command mode.
// The setting is not written to flash.
func (c *Client) EnableAPIMode(ctx context.Context) error {
	if err := c.expectOK(ctx, "AP2"); err != nil {
		return err
	}
	logging.Info("API mode 2 enabled")
	return c.Exit(ctx)
}

// readLine returns the next CR-terminated reply. Line feeds are dropped.
func (c *Client) readLine(ctx context.Context, timeout time.Duration) (string, error) {
	c.lines.arm(ctx, timeout)
	defer c.lines.disarm()

	b, err := c.reader.ReadBytes('\r')
	if err != nil {
		return "", err
	}
	logging.LogRawBytes("rx", b)
	b = bytes.ReplaceAll(b, []byte{'\n'}, nil)
	return strings.TrimSpace(string(b)), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// lineReader retries the port's zero-byte timeouts until its deadline
type lineReader struct {
	port     device.Port
	ctx      context.Context
	deadline time.Time
}

func (r *lineReader) arm(ctx context.Context, timeout time.Duration) {
	r.ctx = ctx
	r.deadline = time.Now().Add(timeout)
}

func (r *lineReader) disarm() {
	r.ctx = nil
	r.deadline = time.Time{}
}

func (r *lineReader) Read(b []byte) (int, error) {
	for {
		if r.ctx != nil {
			if err := r.ctx.Err(); err != nil {
				return 0, err
			}
		}
		remaining := time.Until(r.deadline)
		if remaining <= 0 {
			return 0, ErrTimeout
		}
		if err := r.port.SetReadTimeout(min(remaining, pollInterval)); err != nil {
			return 0, err
		}
		n, err := r.port.Read(b)
		if n > 0 || err != nil {
			return n, err
		}
	}
}
