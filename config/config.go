package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultPath is where LoadConfig looks when no path is given
const DefaultPath = "config.toml"

// Duration lets timeouts be written as "1.2s" in config.toml
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for toml
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// InterfaceConfig describes how to reach the radio
type InterfaceConfig struct {
	// Device is a serial path (/dev/ttyUSB0, COM3) or host:port of a
	// serial-over-TCP bridge.
	Device   string `toml:"device"`
	Baud     int    `toml:"baud"`
	DataBits int    `toml:"data_bits"`
	StopBits int    `toml:"stop_bits"`
	Parity   string `toml:"parity"` // none, even, odd, mark, space

	ReadTimeout Duration `toml:"read_timeout"`
	LongTimeout Duration `toml:"long_timeout"`

	// MaxFramesPerSecond paces outgoing API frames; 0 disables pacing
	MaxFramesPerSecond float64 `toml:"max_frames_per_second"`
}

// XBeeConfig holds module parameters the host needs before it can ask
type XBeeConfig struct {
	// NodeDiscoverTimeout is ATNT in 100 ms units. 0 means read it from
	// the module.
	NodeDiscoverTimeout int `toml:"node_discover_timeout"`
	// GuardTime is ATGT, the quiet time around "+++"
	GuardTime Duration `toml:"guard_time"`
}

// MonitorConfig holds settings for the terminal monitor
type MonitorConfig struct {
	DiscoverInterval Duration `toml:"discover_interval"`
	History          int      `toml:"history"`
}

// StoreConfig holds the neighbor database location
type StoreConfig struct {
	Path string `toml:"path"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `toml:"level"` // empty means silent
	File  string `toml:"file"`  // empty means stderr
}

// Config holds all application configuration
type Config struct {
	Interface InterfaceConfig `toml:"interface"`
	XBee      XBeeConfig      `toml:"xbee"`
	Monitor   MonitorConfig   `toml:"monitor"`
	Store     StoreConfig     `toml:"store"`
	Log       LogConfig       `toml:"log"`
}

// Default returns the configuration used when config.toml is absent:
// 9600 8N1, the module's factory timings.
func Default() Config {
	return Config{
		Interface: InterfaceConfig{
			Baud:        9600,
			DataBits:    8,
			StopBits:    1,
			Parity:      "none",
			ReadTimeout: Duration{1200 * time.Millisecond},
			LongTimeout: Duration{3 * time.Second},
		},
		XBee: XBeeConfig{
			GuardTime: Duration{time.Second},
		},
		Monitor: MonitorConfig{
			DiscoverInterval: Duration{time.Minute},
			History:          50,
		},
		Store: StoreConfig{
			Path: "neighbors.db",
		},
	}
}

// LoadConfig reads the configuration from the specified path. A missing
// file is not an error: defaults are returned.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		path = DefaultPath
	}
	conf := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return conf, nil
	}
	if err != nil {
		return conf, err
	}

	if err := toml.Unmarshal(data, &conf); err != nil {
		return conf, fmt.Errorf("parse %s: %w", path, err)
	}
	conf.applyDefaults()

	if err := conf.Validate(); err != nil {
		return conf, fmt.Errorf("%s: %w", path, err)
	}
	return conf, nil
}

// applyDefaults fills zero values left by a partial config file
func (c *Config) applyDefaults() {
	d := Default()
	if c.Interface.Baud == 0 {
		c.Interface.Baud = d.Interface.Baud
	}
	if c.Interface.DataBits == 0 {
		c.Interface.DataBits = d.Interface.DataBits
	}
	if c.Interface.StopBits == 0 {
		c.Interface.StopBits = d.Interface.StopBits
	}
	if c.Interface.Parity == "" {
		c.Interface.Parity = d.Interface.Parity
	}
	if c.Interface.ReadTimeout.Duration == 0 {
		c.Interface.ReadTimeout = d.Interface.ReadTimeout
	}
	if c.Interface.LongTimeout.Duration == 0 {
		c.Interface.LongTimeout = d.Interface.LongTimeout
	}
	if c.XBee.GuardTime.Duration == 0 {
		c.XBee.GuardTime = d.XBee.GuardTime
	}
	if c.Monitor.DiscoverInterval.Duration == 0 {
		c.Monitor.DiscoverInterval = d.Monitor.DiscoverInterval
	}
	if c.Monitor.History == 0 {
		c.Monitor.History = d.Monitor.History
	}
	if c.Store.Path == "" {
		c.Store.Path = d.Store.Path
	}
}

// Validate checks values the serial layer and the radio would reject
func (c Config) Validate() error {
	switch c.Interface.DataBits {
	case 5, 6, 7, 8:
	default:
		return fmt.Errorf("interface.data_bits must be 5-8, got %d", c.Interface.DataBits)
	}
	switch c.Interface.StopBits {
	case 1, 2:
	default:
		return fmt.Errorf("interface.stop_bits must be 1 or 2, got %d", c.Interface.StopBits)
	}
	switch strings.ToLower(c.Interface.Parity) {
	case "none", "even", "odd", "mark", "space":
	default:
		return fmt.Errorf("unknown interface.parity %q", c.Interface.Parity)
	}
	if c.Interface.Baud <= 0 {
		return fmt.Errorf("invalid interface.baud %d", c.Interface.Baud)
	}
	if c.Interface.MaxFramesPerSecond < 0 {
		return fmt.Errorf("interface.max_frames_per_second must not be negative")
	}
	if c.XBee.NodeDiscoverTimeout < 0 || c.XBee.NodeDiscoverTimeout > 0xFC {
		return fmt.Errorf("xbee.node_discover_timeout must be 0x00-0xFC, got %d", c.XBee.NodeDiscoverTimeout)
	}
	return nil
}
