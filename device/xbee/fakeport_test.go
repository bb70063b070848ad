package xbee

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"xbeectl/api"
)

// fakePort plays the module: every written frame is decoded and handed to
// respond, whose wire bytes become readable. An empty read waits out the
// read timeout (capped so tests stay fast) and returns 0, nil.
type fakePort struct {
	t *testing.T

	mu      sync.Mutex
	rx      bytes.Buffer
	written []api.Frame
	raw     [][]byte
	timeout time.Duration
	closed  bool
	respond func(req api.Frame) [][]byte
}

func newFakePort(t *testing.T, respond func(req api.Frame) [][]byte) *fakePort {
	return &fakePort{t: t, respond: respond, timeout: time.Second}
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, io.EOF
	}
	if p.rx.Len() > 0 {
		defer p.mu.Unlock()
		return p.rx.Read(b)
	}
	wait := p.timeout
	p.mu.Unlock()

	if wait > 2*time.Millisecond {
		wait = 2 * time.Millisecond
	}
	time.Sleep(wait)
	return 0, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	p.raw = append(p.raw, append([]byte(nil), b...))

	f, err := api.NewDecoder(bytes.NewReader(b)).ReadFrame()
	if err == nil {
		p.written = append(p.written, f)
		if p.respond != nil {
			for _, wire := range p.respond(f) {
				p.rx.Write(wire)
			}
		}
	}
	return len(b), nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = t
	return nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// inject queues bytes as if the module sent them unprompted
func (p *fakePort) inject(wire ...[]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range wire {
		p.rx.Write(w)
	}
}

func (p *fakePort) requests() []api.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]api.Frame(nil), p.written...)
}

func wire(t *testing.T, f api.Frame) []byte {
	t.Helper()
	b, err := api.Encode(f)
	require.NoError(t, err)
	return b
}

// atModule answers local AT commands from a parameter table. Set commands
// store the value and answer with an empty OK.
func atModule(t *testing.T, params map[string][]byte) func(api.Frame) [][]byte {
	return func(req api.Frame) [][]byte {
		cmd, ok := req.(*api.ATCommand)
		if !ok {
			return nil
		}
		if len(cmd.Parameter) > 0 {
			params[cmd.Command] = cmd.Parameter
			return [][]byte{wire(t, &api.ATCommandResponse{ID: cmd.ID, Cmd: cmd.Command, Status: api.StatusOK})}
		}
		v, ok := params[cmd.Command]
		if !ok {
			return [][]byte{wire(t, &api.ATCommandResponse{ID: cmd.ID, Cmd: cmd.Command, Status: api.StatusInvalidCommand})}
		}
		return [][]byte{wire(t, &api.ATCommandResponse{ID: cmd.ID, Cmd: cmd.Command, Status: api.StatusOK, Value: v})}
	}
}
