package device

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// tcpPort gives a serial-over-TCP bridge the read timeout behaviour of a
// serial port: a read that times out returns 0, nil.
type tcpPort struct {
	net.Conn
	timeout time.Duration
}

// connectTCP dials a serial bridge at the given address (e.g., "192.168.1.30:2001")
func connectTCP(address string) (Port, error) {
	if address == "" {
		return nil, fmt.Errorf("no device address (ip:port) provided")
	}

	conn, err := net.DialTimeout("tcp", address, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to serial bridge at %s: %w", address, err)
	}

	return &tcpPort{Conn: conn, timeout: time.Second}, nil
}

func (p *tcpPort) SetReadTimeout(t time.Duration) error {
	p.timeout = t
	return nil
}

func (p *tcpPort) Read(b []byte) (int, error) {
	deadline := time.Time{}
	if p.timeout > 0 {
		deadline = time.Now().Add(p.timeout)
	}
	if err := p.Conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	n, err := p.Conn.Read(b)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}
