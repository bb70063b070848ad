package device

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"

	"xbeectl/config"
)

// connectSerial opens and configures the serial port the radio sits on
func connectSerial(conf config.InterfaceConfig) (Port, error) {
	mode, err := serialMode(conf)
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(conf.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", conf.Device, err)
	}

	// Set a read timeout so Read() doesn't block forever.
	timeout := conf.ReadTimeout.Duration
	if timeout <= 0 {
		timeout = time.Second
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return port, nil
}

func serialMode(conf config.InterfaceConfig) (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: conf.Baud,
		DataBits: conf.DataBits,
	}

	switch conf.StopBits {
	case 0, 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits: %d", conf.StopBits)
	}

	switch strings.ToLower(conf.Parity) {
	case "", "none":
		mode.Parity = serial.NoParity
	case "even":
		mode.Parity = serial.EvenParity
	case "odd":
		mode.Parity = serial.OddParity
	case "mark":
		mode.Parity = serial.MarkParity
	case "space":
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("unsupported parity: %s", conf.Parity)
	}

	return mode, nil
}

// ListPorts returns the serial ports present on this machine
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}
