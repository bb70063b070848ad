// Package device opens the byte stream a radio is attached to.
package device

import (
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"xbeectl/config"
	"xbeectl/logging"
)

// Port is the byte stream consumed by the API and AT mode clients. A read
// that waits longer than the read timeout returns 0 bytes and a nil error,
// the same way go.bug.st/serial reports it.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Open connects to the radio described by conf. Devices that look like
// host:port are dialed over TCP, everything else is a serial port.
func Open(conf config.InterfaceConfig) (Port, error) {
	if conf.Device == "" {
		return nil, fmt.Errorf("no device path (e.g., /dev/ttyUSB0 or COM3) configured")
	}

	if isNetworkAddress(conf.Device) {
		logging.Info("Connecting to serial bridge", zap.String("address", conf.Device))
		return connectTCP(conf.Device)
	}

	logging.Info("Opening serial port",
		zap.String("device", conf.Device),
		zap.Int("baud", conf.Baud),
		zap.String("parity", conf.Parity),
	)
	return connectSerial(conf)
}

// isNetworkAddress tells a host:port apart from a serial path. Windows COM
// ports never contain a colon; "/dev/..." paths might only in odd setups.
func isNetworkAddress(device string) bool {
	if strings.HasPrefix(device, "/") {
		return false
	}
	return strings.Contains(device, ":")
}
