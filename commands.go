package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"xbeectl/api"
	"xbeectl/device"
	"xbeectl/device/atmode"
	"xbeectl/device/xbee"
	"xbeectl/logging"
	"xbeectl/store"
)

// Command flags
var (
	setText      bool
	setSave      bool
	remoteAddr16 string
	discoverSave bool
	discoverNT   int
	atmodeAPI    bool
	restoreYes   bool
)

func init() {
	rootCmd.AddCommand(portsCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(remoteCmd)
	rootCmd.AddCommand(ioCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(neighborsCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(atmodeCmd)
	rootCmd.AddCommand(monitorCmd)

	setCmd.Flags().BoolVar(&setText, "text", false, "Send the value as text instead of hex")
	setCmd.Flags().BoolVar(&setSave, "save", false, "Write the configuration to flash afterwards (ATWR)")

	remoteCmd.PersistentFlags().StringVar(&remoteAddr16, "addr16", "FFFE", "16-bit address of the remote radio (FFFE if unknown)")
	remoteCmd.AddCommand(remoteGetCmd)
	remoteCmd.AddCommand(remoteSetCmd)

	discoverCmd.Flags().BoolVar(&discoverSave, "save", false, "Record the neighbors in the neighbor database")
	discoverCmd.Flags().IntVar(&discoverNT, "nt", 0, "Discovery window in 100 ms units (default: ATNT)")

	restoreCmd.Flags().BoolVar(&restoreYes, "yes", false, "Confirm restoring factory defaults")

	atmodeCmd.Flags().BoolVar(&atmodeAPI, "api", false, "Switch the module to API mode 2 before leaving command mode")
}

// portsCmd lists serial ports
var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := device.ListPorts()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			fmt.Println("No serial ports found.")
			return nil
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return nil
	},
}

// infoCmd shows the local module's identity and radio settings
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the local module's settings",
	Args:  cobra.NoArgs,
	RunE:  runInfo,
}

func runInfo(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	d := s.dev

	fw, err := d.FirmwareVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to read firmware version: %w", err)
	}
	fmt.Printf("Firmware:     %04X\n", fw)

	// the rest is best effort: older firmware lacks some parameters
	report := func(label string, value any, err error) {
		if err != nil {
			logging.Debug("Parameter unavailable", zap.String("param", label), zap.Error(err))
			fmt.Printf("%-13s -\n", label+":")
			return
		}
		fmt.Printf("%-13s %v\n", label+":", value)
	}

	hv, err := d.HardwareVersion(ctx)
	report("Hardware", fmt.Sprintf("%04X", hv), err)
	sn, err := d.SerialNumber(ctx)
	report("Serial", fmt.Sprintf("%016X", sn), err)
	my, err := d.SourceAddress(ctx)
	report("Address", fmt.Sprintf("%04X", my), err)
	dst, err := d.DestinationAddress(ctx)
	report("Destination", fmt.Sprintf("%016X", dst), err)
	ni, err := d.NodeID(ctx)
	report("Node ID", strconv.Quote(ni), err)
	ch, err := d.Channel(ctx)
	report("Channel", fmt.Sprintf("0x%02X", ch), err)
	pan, err := d.PanID(ctx)
	report("PAN ID", fmt.Sprintf("%04X", pan), err)
	nt, err := d.NodeDiscoverTimeout(ctx)
	report("ND window", xbee.DiscoveryWindow(nt), err)
	baud, err := d.Baud(ctx)
	report("Baud", baud, err)
	parity, err := d.Parity(ctx)
	report("Parity", parity, err)
	rssi, err := d.ReceivedSignalStrength(ctx)
	report("Last RSSI", fmt.Sprintf("%d dBm", rssi), err)
	if vl, err := d.VersionLong(ctx); err == nil {
		fmt.Println()
		fmt.Println(vl)
	}
	return nil
}

// getCmd reads one local parameter
var getCmd = &cobra.Command{
	Use:   "get COMMAND",
	Short: "Read a local AT parameter",
	Example: `  xbeectl get VR
  xbeectl get NI`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		v, err := s.dev.GetParam(cmd.Context(), strings.ToUpper(args[0]))
		if err != nil {
			return err
		}
		fmt.Println(formatValue(v))
		return nil
	},
}

// setCmd writes one local parameter
var setCmd = &cobra.Command{
	Use:   "set COMMAND [VALUE]",
	Short: "Write a local AT parameter",
	Long: `Write a local AT parameter. VALUE is hex unless --text is given; leave
it out for commands without a parameter.`,
	Example: `  xbeectl set CH 0C
  xbeectl set NI kitchen --text --save`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var value []byte
		if len(args) == 2 {
			var err error
			if value, err = parseValue(args[1], setText); err != nil {
				return err
			}
		}

		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		if err := s.dev.SetParam(ctx, strings.ToUpper(args[0]), value); err != nil {
			return err
		}
		if setSave {
			if err := s.dev.Save(ctx); err != nil {
				return fmt.Errorf("value set but not saved: %w", err)
			}
		}
		fmt.Println("OK")
		return nil
	},
}

// remoteCmd groups remote parameter access
var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Read or write parameters on another radio",
}

var remoteGetCmd = &cobra.Command{
	Use:     "get ADDRESS64 COMMAND",
	Short:   "Read a parameter on a remote radio",
	Example: `  xbeectl remote get 0013A20040085AD5 NI`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr64, addr16, err := parseRemote(args[0], remoteAddr16)
		if err != nil {
			return err
		}
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		v, err := s.dev.GetRemoteParam(cmd.Context(), addr64, addr16, strings.ToUpper(args[1]))
		if err != nil {
			return err
		}
		fmt.Println(formatValue(v))
		return nil
	},
}

var remoteSetCmd = &cobra.Command{
	Use:     "set ADDRESS64 COMMAND VALUE",
	Short:   "Write and apply a parameter on a remote radio",
	Example: `  xbeectl remote set 0013A20040085AD5 D0 05`,
	Args:    cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr64, addr16, err := parseRemote(args[0], remoteAddr16)
		if err != nil {
			return err
		}
		value, err := parseValue(args[2], false)
		if err != nil {
			return err
		}
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.dev.SetRemoteParam(cmd.Context(), addr64, addr16, strings.ToUpper(args[1]), value); err != nil {
			return err
		}
		fmt.Println("OK")
		return nil
	},
}

// ioCmd shows or sets DIO line functions
var ioCmd = &cobra.Command{
	Use:   "io [PORT TYPE]",
	Short: "Show or configure the D0-D8 lines",
	Long: `Without arguments, list what every DIO line is configured as. With a
port and a type (disabled, special, adc, di, do_low, do_high, rs485_low,
rs485_high, or the numeric code), configure that line.`,
	Example: `  xbeectl io
  xbeectl io D4 do_high`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 && len(args) != 2 {
			return fmt.Errorf("want no arguments or PORT TYPE")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		var ioType xbee.IOType
		if len(args) == 2 {
			var err error
			if ioType, err = parseIOType(args[1]); err != nil {
				return err
			}
		}

		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()
		ctx := cmd.Context()

		if len(args) == 2 {
			if err := s.dev.SetIOConfig(ctx, args[0], ioType); err != nil {
				return err
			}
			fmt.Println("OK")
			return nil
		}

		for i := 0; i <= 8; i++ {
			port := fmt.Sprintf("D%d", i)
			t, err := s.dev.IOConfig(ctx, port)
			if err != nil {
				fmt.Printf("%s  -\n", port)
				continue
			}
			fmt.Printf("%s  %s\n", port, t.Name(port))
		}
		if ic, err := s.dev.IOChangeDetect(ctx); err == nil {
			fmt.Printf("IC  %08b\n", ic)
		}
		return nil
	},
}

// discoverCmd runs node discovery
var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find neighboring radios (ATND)",
	Long: `Run node discovery and list every radio that answers. Discovery lasts
for the module's ATNT window unless the module signals the end earlier.`,
	Args: cobra.NoArgs,
	RunE: runDiscover,
}

func runDiscover(cmd *cobra.Command, args []string) error {
	var db *store.Store
	if discoverSave {
		var err error
		if db, err = store.Open(cmd.Context(), conf.Store.Path); err != nil {
			return err
		}
		defer db.Close()
	}

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	var neighbors []xbee.Neighbor
	if discoverNT > 0 {
		fmt.Printf("Discovering for %s...\n\n", xbee.DiscoveryWindow(discoverNT))
		neighbors, err = s.conn.Discover(ctx, xbee.DiscoveryWindow(discoverNT))
	} else {
		fmt.Println("Discovering...")
		fmt.Println()
		neighbors, err = s.dev.Neighbors(ctx)
	}
	// a partial list is still worth showing
	for _, n := range neighbors {
		printNeighbor(n)
	}
	if err != nil {
		return fmt.Errorf("discovery stopped: %w", err)
	}
	if len(neighbors) == 0 {
		fmt.Println("No neighbors answered.")
		return nil
	}
	fmt.Printf("\nFound %d neighbor(s).\n", len(neighbors))

	if db != nil {
		now := time.Now()
		for _, n := range neighbors {
			if err := db.UpsertNeighbor(ctx, n, now); err != nil {
				return err
			}
		}
		fmt.Printf("Saved to %s.\n", conf.Store.Path)
	}
	return nil
}

func printNeighbor(n xbee.Neighbor) {
	fmt.Printf("%016X  MY %04X  %q\n", n.Address64(), n.Address16, n.NodeID)
	if n.ProfileID != 0 || n.ManufacturerID != 0 {
		fmt.Printf("    parent %04X  type %d  status %d  profile %04X  manufacturer %04X\n",
			n.ParentAddress, n.DeviceType, n.Status, n.ProfileID, n.ManufacturerID)
	}
}

// neighborsCmd lists the neighbor database
var neighborsCmd = &cobra.Command{
	Use:   "neighbors",
	Short: "List neighbors recorded by discover --save and the monitor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.Open(cmd.Context(), conf.Store.Path)
		if err != nil {
			return err
		}
		defer db.Close()

		seen, err := db.ListNeighbors(cmd.Context())
		if err != nil {
			return err
		}
		if len(seen) == 0 {
			fmt.Println("No neighbors recorded.")
			return nil
		}
		for _, s := range seen {
			fmt.Printf("%016X  %-20q  last %s  first %s  seen %d\n",
				s.Address64(), s.NodeID,
				s.LastSeen.Format(time.DateTime), s.FirstSeen.Format(time.DateTime), s.Count)
		}
		return nil
	},
}

// sendCmd passes raw bytes to the module
var sendCmd = &cobra.Command{
	Use:   "send HEX",
	Short: "Write raw bytes to the module",
	Long: `Write raw bytes to the module without framing. Responses are read for
the read timeout and printed.`,
	Example: `  xbeectl send 7E000408015652 4E`,
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := parseValue(strings.Join(args, ""), false)
		if err != nil {
			return err
		}
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		if err := s.dev.Send(ctx, raw); err != nil {
			return err
		}
		for {
			f, err := s.conn.Poll(ctx, conf.Interface.ReadTimeout.Duration)
			if errors.Is(err, api.ErrTimeout) {
				return nil
			}
			if err != nil && !errors.Is(err, api.ErrChecksum) && !errors.Is(err, api.ErrProtocol) {
				return err
			}
			if err != nil {
				fmt.Printf("bad frame: %v\n", err)
				continue
			}
			fmt.Printf("%s %+v\n", f.FrameType(), f)
		}
	},
}

var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "Write the current configuration to flash (ATWR)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDevice(cmd.Context(), (*xbee.Device).Save)
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Software reset the module (ATFR)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDevice(cmd.Context(), (*xbee.Device).Reset)
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore factory defaults (ATRE)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !restoreYes {
			return fmt.Errorf("this resets every parameter; pass --yes to confirm")
		}
		return withDevice(cmd.Context(), (*xbee.Device).Restore)
	},
}

func withDevice(ctx context.Context, fn func(*xbee.Device, context.Context) error) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()
	if err := fn(s.dev, ctx); err != nil {
		return err
	}
	fmt.Println("OK")
	return nil
}

// atmodeCmd talks to the module in transparent mode
var atmodeCmd = &cobra.Command{
	Use:   "atmode [COMMAND...]",
	Short: "Run AT commands in command mode",
	Long: `Enter command mode with the +++ escape sequence, run each COMMAND
(without the AT prefix) and print the reply, then leave command mode.
With --api the module is switched to API mode 2 first, which every other
command needs.`,
	Example: `  xbeectl atmode VR SH SL
  xbeectl atmode --api`,
	RunE: runATMode,
}

func runATMode(cmd *cobra.Command, args []string) error {
	port, err := device.Open(conf.Interface)
	if err != nil {
		return err
	}
	defer port.Close()

	ctx := cmd.Context()
	client := atmode.NewClient(port, conf.XBee.GuardTime.Duration, conf.Interface.LongTimeout.Duration)

	fmt.Println("Entering command mode...")
	if err := client.Enter(ctx); err != nil {
		return fmt.Errorf("failed to enter command mode: %w", err)
	}

	for _, c := range args {
		reply, err := client.Command(ctx, strings.ToUpper(c))
		if err != nil {
			fmt.Printf("AT%s: %v\n", c, err)
			continue
		}
		fmt.Printf("AT%s: %s\n", c, reply)
	}

	if atmodeAPI {
		if err := client.EnableAPIMode(ctx); err != nil {
			return err
		}
		fmt.Println("API mode 2 enabled (not saved; run 'xbeectl save' to keep it).")
		return nil
	}
	return client.Exit(ctx)
}

// parseValue reads a parameter value: hex (an optional 0x prefix, odd
// lengths padded with a leading zero) or, when text is set, the bytes of
// s as given
func parseValue(s string, text bool) ([]byte, error) {
	if text {
		return []byte(s), nil
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.ReplaceAll(s, " ", "")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex value %q: %w", s, err)
	}
	return b, nil
}

// parseRemote reads the 64- and 16-bit addresses of a remote radio
func parseRemote(addr64, addr16 string) (uint64, uint16, error) {
	a64, err := strconv.ParseUint(strings.TrimPrefix(addr64, "0x"), 16, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid 64-bit address %q", addr64)
	}
	a16, err := strconv.ParseUint(strings.TrimPrefix(addr16, "0x"), 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid 16-bit address %q", addr16)
	}
	return a64, uint16(a16), nil
}

var ioTypeNames = map[string]xbee.IOType{
	"disabled":   xbee.IODisabled,
	"special":    xbee.IOSpecial,
	"adc":        xbee.IOADC,
	"di":         xbee.IODigitalIn,
	"do_low":     xbee.IODigitalOutLow,
	"do_high":    xbee.IODigitalOutHigh,
	"rs485_low":  xbee.IORS485Low,
	"rs485_high": xbee.IORS485High,
}

func parseIOType(s string) (xbee.IOType, error) {
	if t, ok := ioTypeNames[strings.ToLower(s)]; ok {
		return t, nil
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil || n > uint64(xbee.IORS485High) {
		return 0, fmt.Errorf("unknown I/O type %q", s)
	}
	return xbee.IOType(n), nil
}

// formatValue shows a parameter value as hex, with the text alongside when
// it is printable
func formatValue(v []byte) string {
	if len(v) == 0 {
		return "(empty)"
	}
	h := strings.ToUpper(hex.EncodeToString(v))
	for _, c := range v {
		if c < 0x20 || c > 0x7E {
			return h
		}
	}
	return fmt.Sprintf("%s  %q", h, v)
}
