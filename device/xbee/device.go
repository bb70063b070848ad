package xbee

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"xbeectl/api"
)

// Factory defaults the module ships with
const (
	DefaultTimeout             = 1200 * time.Millisecond
	DefaultLongTimeout         = 3 * time.Second
	DefaultNodeDiscoverTimeout = 0x82
)

// CommandError is a response that arrived but did not report OK
type CommandError struct {
	Command string
	Status  api.CommandStatus
	Remote  bool
}

func (e *CommandError) Error() string {
	where := "local"
	if e.Remote {
		where = "remote"
	}
	return fmt.Sprintf("xbee: %s AT%s failed: %s", where, e.Command, e.Status)
}

// Options tunes a Device
type Options struct {
	Timeout     time.Duration // ordinary commands
	LongTimeout time.Duration // CH, NI and others the module is slow to answer
	// NodeDiscoverTimeout overrides ATNT (100 ms units) when non-zero
	NodeDiscoverTimeout int
}

// Device exposes module parameters over a Conn. Values that only change
// when the host changes them are cached; any mutating command clears the
// cache.
type Device struct {
	conn *Conn
	opts Options

	cacheMu  sync.Mutex
	cache    map[string][]byte
	cacheGen uint64
}

// NewDevice wraps an API mode connection
func NewDevice(conn *Conn, opts Options) *Device {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.LongTimeout <= 0 {
		opts.LongTimeout = DefaultLongTimeout
	}
	return &Device{
		conn:  conn,
		opts:  opts,
		cache: make(map[string][]byte),
	}
}

// Conn returns the underlying connection
func (d *Device) Conn() *Conn { return d.conn }

// slowCommands need the long timeout
var slowCommands = map[string]bool{
	"CH": true,
	"NI": true,
	"IS": true,
	"WR": true,
	"RE": true,
}

func (d *Device) timeoutFor(cmd string) time.Duration {
	if slowCommands[cmd] {
		return d.opts.LongTimeout
	}
	return d.opts.Timeout
}

// GetParam queries a local parameter, bypassing the cache
func (d *Device) GetParam(ctx context.Context, cmd string) ([]byte, error) {
	req := &api.ATCommand{ID: d.conn.NextFrameID(), Command: cmd}
	return d.do(ctx, req, cmd, false)
}

// SetParam sets a local parameter. The cache is cleared whether or not the
// module accepts it.
func (d *Device) SetParam(ctx context.Context, cmd string, value []byte) error {
	d.invalidate()
	defer d.invalidate()
	req := &api.ATCommand{ID: d.conn.NextFrameID(), Command: cmd, Parameter: value}
	_, err := d.do(ctx, req, cmd, false)
	return err
}

// QueueParam queues a parameter value; it takes effect on Apply or the next
// SetParam.
func (d *Device) QueueParam(ctx context.Context, cmd string, value []byte) error {
	d.invalidate()
	defer d.invalidate()
	req := &api.ATCommandQueue{ID: d.conn.NextFrameID(), Command: cmd, Parameter: value}
	_, err := d.do(ctx, req, cmd, false)
	return err
}

// Apply applies queued parameter values (ATAC)
func (d *Device) Apply(ctx context.Context) error {
	return d.SetParam(ctx, "AC", nil)
}

// GetRemoteParam queries a parameter on another radio
func (d *Device) GetRemoteParam(ctx context.Context, addr64 uint64, addr16 uint16, cmd string) ([]byte, error) {
	req := &api.RemoteCommandRequest{
		ID:        d.conn.NextFrameID(),
		Address64: addr64,
		Address16: addr16,
		Options:   api.RemoteOptionNone,
		Command:   cmd,
	}
	return d.do(ctx, req, cmd, true)
}

// SetRemoteParam sets a parameter on another radio and applies it
func (d *Device) SetRemoteParam(ctx context.Context, addr64 uint64, addr16 uint16, cmd string, value []byte) error {
	req := &api.RemoteCommandRequest{
		ID:        d.conn.NextFrameID(),
		Address64: addr64,
		Address16: addr16,
		Options:   api.RemoteOptionApplyChanges,
		Command:   cmd,
		Parameter: value,
	}
	_, err := d.do(ctx, req, cmd, true)
	return err
}

func (d *Device) do(ctx context.Context, req api.Request, cmd string, remote bool) ([]byte, error) {
	f, err := d.conn.SendAndAwait(ctx, req, d.timeoutFor(cmd))
	if err != nil {
		return nil, err
	}
	resp, ok := f.(api.Response)
	if !ok {
		return nil, fmt.Errorf("xbee: AT%s answered by %s", cmd, f.FrameType())
	}
	if resp.CommandStatus() != api.StatusOK {
		return nil, &CommandError{Command: cmd, Status: resp.CommandStatus(), Remote: remote}
	}
	return resp.RetrievedValue(), nil
}

// cached returns a parameter from the cache, fetching it on a miss
func (d *Device) cached(ctx context.Context, cmd string) ([]byte, error) {
	d.cacheMu.Lock()
	v, ok := d.cache[cmd]
	gen := d.cacheGen
	d.cacheMu.Unlock()
	if ok {
		return v, nil
	}

	v, err := d.GetParam(ctx, cmd)
	if err != nil {
		return nil, err
	}

	// a mutation since the fetch may have made v stale
	d.cacheMu.Lock()
	if d.cacheGen == gen {
		d.cache[cmd] = v
	}
	d.cacheMu.Unlock()
	return v, nil
}

func (d *Device) invalidate() {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	d.cacheGen++
	clear(d.cache)
}

// uintValue reads a big-endian unsigned value; the module drops leading
// zero bytes on some firmware.
func uintValue(cmd string, b []byte, max int) (uint64, error) {
	if len(b) == 0 || len(b) > max {
		return 0, fmt.Errorf("xbee: AT%s returned %d bytes, want 1-%d", cmd, len(b), max)
	}
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v, nil
}

func (d *Device) cachedUint(ctx context.Context, cmd string, max int) (uint64, error) {
	b, err := d.cached(ctx, cmd)
	if err != nil {
		return 0, err
	}
	return uintValue(cmd, b, max)
}

func be16(v uint16) []byte { return binary.BigEndian.AppendUint16(nil, v) }
func be32(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }

// FirmwareVersion returns ATVR
func (d *Device) FirmwareVersion(ctx context.Context) (uint16, error) {
	v, err := d.cachedUint(ctx, "VR", 2)
	return uint16(v), err
}

// HardwareVersion returns ATHV
func (d *Device) HardwareVersion(ctx context.Context) (uint16, error) {
	v, err := d.cachedUint(ctx, "HV", 2)
	return uint16(v), err
}

// VersionLong returns the ATVL text, one line per component
func (d *Device) VersionLong(ctx context.Context) (string, error) {
	b, err := d.cached(ctx, "VL")
	if err != nil {
		return "", err
	}
	return strings.TrimRight(strings.ReplaceAll(string(b), "\r", "\n"), "\n\x00"), nil
}

// SerialNumber returns SH<<32 | SL, the factory 64-bit address
func (d *Device) SerialNumber(ctx context.Context) (uint64, error) {
	high, err := d.cachedUint(ctx, "SH", 4)
	if err != nil {
		return 0, err
	}
	low, err := d.cachedUint(ctx, "SL", 4)
	if err != nil {
		return 0, err
	}
	return high<<32 | low, nil
}

// SourceAddress returns the 16-bit MY address
func (d *Device) SourceAddress(ctx context.Context) (uint16, error) {
	v, err := d.cachedUint(ctx, "MY", 2)
	return uint16(v), err
}

// SetSourceAddress sets MY. 0xFFFF disables 16-bit addressing.
func (d *Device) SetSourceAddress(ctx context.Context, addr uint16) error {
	return d.SetParam(ctx, "MY", be16(addr))
}

// DestinationAddress returns DH<<32 | DL
func (d *Device) DestinationAddress(ctx context.Context) (uint64, error) {
	high, err := d.cachedUint(ctx, "DH", 4)
	if err != nil {
		return 0, err
	}
	low, err := d.cachedUint(ctx, "DL", 4)
	if err != nil {
		return 0, err
	}
	return high<<32 | low, nil
}

// SetDestinationAddress sets DH and DL
func (d *Device) SetDestinationAddress(ctx context.Context, addr uint64) error {
	if err := d.SetParam(ctx, "DH", be32(uint32(addr>>32))); err != nil {
		return err
	}
	return d.SetParam(ctx, "DL", be32(uint32(addr)))
}

// Channel returns the 802.15.4 channel (ATCH)
func (d *Device) Channel(ctx context.Context) (byte, error) {
	v, err := d.cachedUint(ctx, "CH", 1)
	return byte(v), err
}

// SetChannel sets ATCH. 802.15.4 channels run 0x0B-0x1A.
func (d *Device) SetChannel(ctx context.Context, ch byte) error {
	if ch < 0x0B || ch > 0x1A {
		return fmt.Errorf("xbee: channel 0x%02X outside 0x0B-0x1A", ch)
	}
	return d.SetParam(ctx, "CH", []byte{ch})
}

// PanID returns ATID
func (d *Device) PanID(ctx context.Context) (uint16, error) {
	v, err := d.cachedUint(ctx, "ID", 2)
	return uint16(v), err
}

// SetPanID sets ATID
func (d *Device) SetPanID(ctx context.Context, id uint16) error {
	return d.SetParam(ctx, "ID", be16(id))
}

// NodeID returns the human readable node identifier (ATNI)
func (d *Device) NodeID(ctx context.Context) (string, error) {
	b, err := d.cached(ctx, "NI")
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\x00\r"), nil
}

// SetNodeID sets ATNI, at most 20 printable characters
func (d *Device) SetNodeID(ctx context.Context, id string) error {
	if len(id) > 20 {
		return fmt.Errorf("xbee: node id %q longer than 20 characters", id)
	}
	return d.SetParam(ctx, "NI", []byte(id))
}

// ReceivedSignalStrength returns the RSSI of the last packet in dBm
// (0 when nothing has been received). Never cached.
func (d *Device) ReceivedSignalStrength(ctx context.Context) (int, error) {
	b, err := d.GetParam(ctx, "DB")
	if err != nil {
		return 0, err
	}
	v, err := uintValue("DB", b, 1)
	return -int(v), err
}

// NodeDiscoverTimeout returns ATNT in 100 ms units, preferring the
// configured override.
func (d *Device) NodeDiscoverTimeout(ctx context.Context) (int, error) {
	if d.opts.NodeDiscoverTimeout > 0 {
		return d.opts.NodeDiscoverTimeout, nil
	}
	v, err := d.cachedUint(ctx, "NT", 2)
	return int(v), err
}

// SetNodeDiscoverTimeout sets ATNT (100 ms units, 0x01-0xFC)
func (d *Device) SetNodeDiscoverTimeout(ctx context.Context, nt int) error {
	if nt < 0x01 || nt > 0xFC {
		return fmt.Errorf("xbee: node discover timeout 0x%X outside 0x01-0xFC", nt)
	}
	return d.SetParam(ctx, "NT", []byte{byte(nt)})
}

// Neighbors runs node discovery for the module's discovery window
func (d *Device) Neighbors(ctx context.Context) ([]Neighbor, error) {
	nt, err := d.NodeDiscoverTimeout(ctx)
	if err != nil {
		nt = DefaultNodeDiscoverTimeout
	}
	return d.conn.Discover(ctx, DiscoveryWindow(nt))
}

var baudCodes = []int{1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200}

// Baud returns the UART rate the module is set to (ATBD)
func (d *Device) Baud(ctx context.Context) (int, error) {
	v, err := d.cachedUint(ctx, "BD", 4)
	if err != nil {
		return 0, err
	}
	if v < uint64(len(baudCodes)) {
		return baudCodes[v], nil
	}
	// non-standard rates are reported as the rate itself
	return int(v), nil
}

// SetBaud sets ATBD; it takes effect when command mode exits
func (d *Device) SetBaud(ctx context.Context, baud int) error {
	for code, rate := range baudCodes {
		if rate == baud {
			return d.SetParam(ctx, "BD", []byte{byte(code)})
		}
	}
	return fmt.Errorf("xbee: unsupported baud rate %d", baud)
}

// Parity is the module's ATNB setting
type Parity byte

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
	ParityMark
	ParitySpace
)

func (p Parity) String() string {
	switch p {
	case ParityNone:
		return "none"
	case ParityEven:
		return "even"
	case ParityOdd:
		return "odd"
	case ParityMark:
		return "mark"
	case ParitySpace:
		return "space"
	default:
		return fmt.Sprintf("Parity(%d)", byte(p))
	}
}

// Parity returns ATNB
func (d *Device) Parity(ctx context.Context) (Parity, error) {
	v, err := d.cachedUint(ctx, "NB", 1)
	return Parity(v), err
}

// SetParity sets ATNB
func (d *Device) SetParity(ctx context.Context, p Parity) error {
	if p > ParitySpace {
		return fmt.Errorf("xbee: invalid parity %d", p)
	}
	return d.SetParam(ctx, "NB", []byte{byte(p)})
}

// IOType is the function of a DIO line (ATD0-ATD8)
type IOType byte

const (
	IODisabled       IOType = 0
	IOSpecial        IOType = 1 // associated indicator on D5, RTS on D6, CTS on D7
	IOADC            IOType = 2
	IODigitalIn      IOType = 3
	IODigitalOutLow  IOType = 4
	IODigitalOutHigh IOType = 5
	IORS485Low       IOType = 6
	IORS485High      IOType = 7
)

// Name describes t as configured on port (D0-D8)
func (t IOType) Name(port string) string {
	switch t {
	case IODisabled:
		return "Disabled"
	case IOSpecial:
		switch port {
		case "D5":
			return "Associated_Indicator"
		case "D6":
			return "RTS"
		case "D7":
			return "CTS"
		}
		return "Special"
	case IOADC:
		return "ADC"
	case IODigitalIn:
		return "DI"
	case IODigitalOutLow:
		return "DO_Low"
	case IODigitalOutHigh:
		return "DO_High"
	case IORS485Low:
		return "RS485_Low"
	case IORS485High:
		return "RS485_High"
	default:
		return fmt.Sprintf("IOType(%d)", byte(t))
	}
}

func ioPort(port string) (string, error) {
	port = strings.ToUpper(port)
	if len(port) != 2 || port[0] != 'D' || port[1] < '0' || port[1] > '8' {
		return "", fmt.Errorf("xbee: unknown I/O port %q, want D0-D8", port)
	}
	return port, nil
}

// IOConfig returns how a DIO line is configured
func (d *Device) IOConfig(ctx context.Context, port string) (IOType, error) {
	port, err := ioPort(port)
	if err != nil {
		return 0, err
	}
	v, err := d.cachedUint(ctx, port, 1)
	return IOType(v), err
}

// SetIOConfig configures a DIO line
func (d *Device) SetIOConfig(ctx context.Context, port string, t IOType) error {
	port, err := ioPort(port)
	if err != nil {
		return err
	}
	if t > IORS485High {
		return fmt.Errorf("xbee: invalid I/O type %d", t)
	}
	return d.SetParam(ctx, port, []byte{byte(t)})
}

// IOChangeDetect returns the ATIC bitmask of DIO lines monitored for change
func (d *Device) IOChangeDetect(ctx context.Context) (byte, error) {
	v, err := d.cachedUint(ctx, "IC", 1)
	return byte(v), err
}

// SetIOChangeDetect sets the ATIC bitmask
func (d *Device) SetIOChangeDetect(ctx context.Context, mask byte) error {
	return d.SetParam(ctx, "IC", []byte{mask})
}

// SetIOOutput drives the DIO lines configured as outputs (ATIO)
func (d *Device) SetIOOutput(ctx context.Context, mask byte) error {
	return d.SetParam(ctx, "IO", []byte{mask})
}

// Save writes the current configuration to flash (ATWR). There is no undo.
func (d *Device) Save(ctx context.Context) error {
	return d.SetParam(ctx, "WR", nil)
}

// Reset performs a software reset (ATFR); unsaved changes are lost
func (d *Device) Reset(ctx context.Context) error {
	return d.SetParam(ctx, "FR", nil)
}

// Restore returns every parameter to factory defaults (ATRE)
func (d *Device) Restore(ctx context.Context) error {
	return d.SetParam(ctx, "RE", nil)
}

// Send passes raw bytes to the module
func (d *Device) Send(ctx context.Context, raw []byte) error {
	return d.conn.Write(ctx, raw)
}
