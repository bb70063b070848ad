// Xbeectl controls an XBee 802.15.4 radio attached to a serial port (or a
// serial-over-TCP bridge) through the module's escaped API mode.
//
// Usage:
//
//	xbeectl [command] [flags]
//
// Settings come from config.toml; --device, --baud and --log-level
// override it. See 'xbeectl --help' for available commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"xbeectl/config"
	"xbeectl/device"
	"xbeectl/device/xbee"
	"xbeectl/logging"
)

// Global flags
var (
	configPath string
	deviceFlag string
	baudFlag   int
	logLevel   string
)

// conf is loaded before any command runs
var conf config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "xbeectl",
	Short: "XBee 802.15.4 radio control utility",
	Long: `A utility for configuring and watching XBee 802.15.4 radios.

Talks to the module in API mode 2 (escaped frames): read and write AT
parameters locally or on remote radios, run node discovery, and watch
traffic in a terminal monitor. Use 'xbeectl atmode --api' to switch a
factory-fresh module into API mode first.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		conf, err = config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if deviceFlag != "" {
			conf.Interface.Device = deviceFlag
		}
		if baudFlag > 0 {
			conf.Interface.Baud = baudFlag
		}
		if logLevel != "" {
			conf.Log.Level = logLevel
		}
		return logging.Initialize(conf.Log.Level, conf.Log.File)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to config.toml")
	rootCmd.PersistentFlags().StringVarP(&deviceFlag, "device", "d", "", "Serial device or host:port (overrides config)")
	rootCmd.PersistentFlags().IntVarP(&baudFlag, "baud", "b", 0, "Baud rate (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default silent)")
}

// session is an open API mode connection to the local module
type session struct {
	conn *xbee.Conn
	dev  *xbee.Device
}

// openSession opens the configured port in API mode
func openSession(opts ...xbee.Option) (*session, error) {
	port, err := device.Open(conf.Interface)
	if err != nil {
		return nil, err
	}

	opts = append([]xbee.Option{xbee.WithRateLimit(conf.Interface.MaxFramesPerSecond)}, opts...)
	conn := xbee.NewConn(port, opts...)
	dev := xbee.NewDevice(conn, xbee.Options{
		Timeout:             conf.Interface.ReadTimeout.Duration,
		LongTimeout:         conf.Interface.LongTimeout.Duration,
		NodeDiscoverTimeout: conf.XBee.NodeDiscoverTimeout,
	})
	return &session{conn: conn, dev: dev}, nil
}

func (s *session) Close() {
	if err := s.conn.Close(); err != nil {
		logging.Warn("Error closing port", zap.Error(err))
	}
}
