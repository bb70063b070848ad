package xbee

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xbeectl/api"
)

func newTestDevice(t *testing.T, params map[string][]byte, opts Options) (*Device, *fakePort) {
	port := newFakePort(t, atModule(t, params))
	return NewDevice(NewConn(port), opts), port
}

func TestFirmwareVersionIsCached(t *testing.T) {
	d, port := newTestDevice(t, map[string][]byte{"VR": {0x10, 0xE6}}, Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		vr, err := d.FirmwareVersion(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint16(0x10E6), vr)
	}
	assert.Len(t, port.requests(), 1)
}

func TestSetClearsCache(t *testing.T) {
	d, port := newTestDevice(t, map[string][]byte{
		"NI": []byte("kitchen"),
		"CH": {0x0C},
	}, Options{})
	ctx := context.Background()

	id, err := d.NodeID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "kitchen", id)
	_, err = d.Channel(ctx)
	require.NoError(t, err)
	require.Len(t, port.requests(), 2)

	require.NoError(t, d.SetNodeID(ctx, "garage"))

	id, err = d.NodeID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "garage", id)
	ch, err := d.Channel(ctx)
	require.NoError(t, err)
	assert.Equal(t, byte(0x0C), ch)

	// set, then both values fetched again
	assert.Len(t, port.requests(), 5)
}

func TestCommandError(t *testing.T) {
	d, _ := newTestDevice(t, map[string][]byte{}, Options{})

	_, err := d.GetParam(context.Background(), "ZZ")
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, "ZZ", cmdErr.Command)
	assert.Equal(t, api.StatusInvalidCommand, cmdErr.Status)
	assert.False(t, cmdErr.Remote)
	assert.EqualError(t, err, "xbee: local ATZZ failed: Invalid_Command")
}

func TestFailedLookupIsNotCached(t *testing.T) {
	params := map[string][]byte{}
	d, port := newTestDevice(t, params, Options{})
	ctx := context.Background()

	_, err := d.PanID(ctx)
	require.Error(t, err)

	params["ID"] = []byte{0x33, 0x32}
	pan, err := d.PanID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x3332), pan)
	assert.Len(t, port.requests(), 2)
}

func TestSerialAndDestinationAddress(t *testing.T) {
	params := map[string][]byte{
		"SH": {0x00, 0x13, 0xA2, 0x00},
		"SL": {0x40, 0x08, 0xA6, 0x42},
		"DH": {0x00},
		"DL": {0xFF, 0xFF},
	}
	d, _ := newTestDevice(t, params, Options{})
	ctx := context.Background()

	sn, err := d.SerialNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0013A2004008A642), sn)

	dst, err := d.DestinationAddress(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xFFFF), dst)

	require.NoError(t, d.SetDestinationAddress(ctx, 0x0013A20040085AD5))
	assert.Equal(t, []byte{0x00, 0x13, 0xA2, 0x00}, params["DH"])
	assert.Equal(t, []byte{0x40, 0x08, 0x5A, 0xD5}, params["DL"])

	dst, err = d.DestinationAddress(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0013A20040085AD5), dst)
}

func TestSourceAddressAndPanID(t *testing.T) {
	params := map[string][]byte{"MY": {0xFF, 0xFE}}
	d, _ := newTestDevice(t, params, Options{})
	ctx := context.Background()

	my, err := d.SourceAddress(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xFFFE), my)

	require.NoError(t, d.SetSourceAddress(ctx, 0x0001))
	require.NoError(t, d.SetPanID(ctx, 0x3332))
	assert.Equal(t, []byte{0x00, 0x01}, params["MY"])
	assert.Equal(t, []byte{0x33, 0x32}, params["ID"])
}

func TestRemoteParams(t *testing.T) {
	const addr = uint64(0x0013A20040085AD5)
	port := newFakePort(t, func(req api.Frame) [][]byte {
		r := req.(*api.RemoteCommandRequest)
		status := api.StatusOK
		var value []byte
		switch r.Command {
		case "NI":
			value = []byte("shed")
		case "D0":
		default:
			status = api.StatusError
		}
		return [][]byte{wire(t, &api.RemoteCommandResponse{
			ID: r.ID, Address64: r.Address64, Address16: 0x0002, Cmd: r.Command, Status: status, Value: value,
		})}
	})
	d := NewDevice(NewConn(port), Options{})
	ctx := context.Background()

	v, err := d.GetRemoteParam(ctx, addr, api.UnknownAddress16, "NI")
	require.NoError(t, err)
	assert.Equal(t, []byte("shed"), v)

	require.NoError(t, d.SetRemoteParam(ctx, addr, api.UnknownAddress16, "D0", []byte{byte(IODigitalOutHigh)}))

	_, err = d.GetRemoteParam(ctx, addr, api.UnknownAddress16, "VR")
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.True(t, cmdErr.Remote)
	assert.Equal(t, api.StatusError, cmdErr.Status)

	reqs := port.requests()
	require.Len(t, reqs, 3)
	get := reqs[0].(*api.RemoteCommandRequest)
	assert.Equal(t, api.RemoteOptionNone, get.Options)
	assert.Equal(t, addr, get.Address64)
	assert.Equal(t, api.UnknownAddress16, get.Address16)
	set := reqs[1].(*api.RemoteCommandRequest)
	assert.Equal(t, api.RemoteOptionApplyChanges, set.Options)
	assert.Equal(t, []byte{0x05}, set.Parameter)
}

func TestQueueAndApply(t *testing.T) {
	port := newFakePort(t, func(req api.Frame) [][]byte {
		switch r := req.(type) {
		case *api.ATCommandQueue:
			return [][]byte{wire(t, &api.ATCommandResponse{ID: r.ID, Cmd: r.Command, Status: api.StatusOK})}
		case *api.ATCommand:
			return [][]byte{wire(t, &api.ATCommandResponse{ID: r.ID, Cmd: r.Command, Status: api.StatusOK})}
		}
		return nil
	})
	d := NewDevice(NewConn(port), Options{})
	ctx := context.Background()

	require.NoError(t, d.QueueParam(ctx, "CH", []byte{0x0E}))
	require.NoError(t, d.Apply(ctx))

	reqs := port.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, api.TypeATCommandQueue, reqs[0].FrameType())
	assert.Equal(t, "AC", reqs[1].(*api.ATCommand).Command)
}

func TestChannelValidation(t *testing.T) {
	params := map[string][]byte{}
	d, port := newTestDevice(t, params, Options{})
	ctx := context.Background()

	assert.Error(t, d.SetChannel(ctx, 0x0A))
	assert.Error(t, d.SetChannel(ctx, 0x1B))
	assert.Empty(t, port.requests())

	require.NoError(t, d.SetChannel(ctx, 0x1A))
	assert.Equal(t, []byte{0x1A}, params["CH"])
}

func TestNodeIDLength(t *testing.T) {
	d, port := newTestDevice(t, map[string][]byte{}, Options{})
	assert.Error(t, d.SetNodeID(context.Background(), "a-node-id-over-twenty-chars"))
	assert.Empty(t, port.requests())
}

func TestReceivedSignalStrengthIsNotCached(t *testing.T) {
	params := map[string][]byte{"DB": {0x28}}
	d, port := newTestDevice(t, params, Options{})
	ctx := context.Background()

	rssi, err := d.ReceivedSignalStrength(ctx)
	require.NoError(t, err)
	assert.Equal(t, -40, rssi)

	params["DB"] = []byte{0x50}
	rssi, err = d.ReceivedSignalStrength(ctx)
	require.NoError(t, err)
	assert.Equal(t, -80, rssi)
	assert.Len(t, port.requests(), 2)
}

func TestBaud(t *testing.T) {
	params := map[string][]byte{"BD": {0x03}}
	d, _ := newTestDevice(t, params, Options{})
	ctx := context.Background()

	baud, err := d.Baud(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9600, baud)

	require.NoError(t, d.SetBaud(ctx, 115200))
	assert.Equal(t, []byte{0x07}, params["BD"])
	assert.Error(t, d.SetBaud(ctx, 1000))

	params["BD"] = []byte{0x00, 0x03, 0x84, 0x00}
	baud, err = d.Baud(ctx)
	require.NoError(t, err)
	assert.Equal(t, 230400, baud)
}

func TestParity(t *testing.T) {
	params := map[string][]byte{"NB": {0x01}}
	d, _ := newTestDevice(t, params, Options{})
	ctx := context.Background()

	p, err := d.Parity(ctx)
	require.NoError(t, err)
	assert.Equal(t, ParityEven, p)
	assert.Equal(t, "even", p.String())

	require.NoError(t, d.SetParity(ctx, ParitySpace))
	assert.Equal(t, []byte{0x04}, params["NB"])
	assert.Error(t, d.SetParity(ctx, Parity(9)))
}

func TestIOConfig(t *testing.T) {
	params := map[string][]byte{
		"D5": {0x01},
		"D0": {0x02},
	}
	d, port := newTestDevice(t, params, Options{})
	ctx := context.Background()

	t5, err := d.IOConfig(ctx, "d5")
	require.NoError(t, err)
	assert.Equal(t, "Associated_Indicator", t5.Name("D5"))

	t0, err := d.IOConfig(ctx, "D0")
	require.NoError(t, err)
	assert.Equal(t, "ADC", t0.Name("D0"))
	assert.Equal(t, "Special", IOSpecial.Name("D1"))

	_, err = d.IOConfig(ctx, "D9")
	assert.Error(t, err)
	assert.Error(t, d.SetIOConfig(ctx, "D1", IOType(8)))
	assert.Len(t, port.requests(), 2)

	require.NoError(t, d.SetIOConfig(ctx, "D1", IODigitalOutLow))
	assert.Equal(t, []byte{0x04}, params["D1"])

	require.NoError(t, d.SetIOChangeDetect(ctx, 0x0F))
	ic, err := d.IOChangeDetect(ctx)
	require.NoError(t, err)
	assert.Equal(t, byte(0x0F), ic)

	require.NoError(t, d.SetIOOutput(ctx, 0x02))
	assert.Equal(t, []byte{0x02}, params["IO"])
}

func TestVersionLong(t *testing.T) {
	d, _ := newTestDevice(t, map[string][]byte{"VL": []byte("10E6\rBootloader: 1.0\r\x00")}, Options{})
	vl, err := d.VersionLong(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10E6\nBootloader: 1.0", vl)
}

func TestNodeDiscoverTimeout(t *testing.T) {
	t.Run("from module", func(t *testing.T) {
		d, _ := newTestDevice(t, map[string][]byte{"NT": {0x3C}}, Options{})
		nt, err := d.NodeDiscoverTimeout(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0x3C, nt)
	})

	t.Run("override", func(t *testing.T) {
		d, port := newTestDevice(t, map[string][]byte{"NT": {0x3C}}, Options{NodeDiscoverTimeout: 0x10})
		nt, err := d.NodeDiscoverTimeout(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0x10, nt)
		assert.Empty(t, port.requests())
	})

	t.Run("bounds", func(t *testing.T) {
		d, _ := newTestDevice(t, map[string][]byte{}, Options{})
		assert.Error(t, d.SetNodeDiscoverTimeout(context.Background(), 0))
		assert.Error(t, d.SetNodeDiscoverTimeout(context.Background(), 0xFD))
	})
}

func TestNeighbors(t *testing.T) {
	params := map[string][]byte{"NT": {0x01}}
	module := atModule(t, params)
	port := newFakePort(t, func(req api.Frame) [][]byte {
		if cmd, ok := req.(*api.ATCommand); ok && cmd.Command == "ND" {
			// no terminator: discovery runs for the whole window
			return ndResponses(t, cmd.ID, testNeighbors[:1], false)
		}
		return module(req)
	})
	d := NewDevice(NewConn(port), Options{})

	start := time.Now()
	got, err := d.Neighbors(context.Background())
	require.NoError(t, err)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, DiscoveryWindow(1))
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, testNeighbors[:1], got)
}

func TestSaveResetRestore(t *testing.T) {
	params := map[string][]byte{"WR": {}, "FR": {}, "RE": {}}
	d, port := newTestDevice(t, params, Options{})
	ctx := context.Background()

	require.NoError(t, d.Save(ctx))
	require.NoError(t, d.Reset(ctx))
	require.NoError(t, d.Restore(ctx))

	var cmds []string
	for _, r := range port.requests() {
		cmds = append(cmds, r.(*api.ATCommand).Command)
	}
	assert.Equal(t, []string{"WR", "FR", "RE"}, cmds)
}

func TestMutationDuringFetchIsNotCached(t *testing.T) {
	params := map[string][]byte{"NI": []byte("kitchen")}
	var d *Device
	answer := atModule(t, params)
	port := newFakePort(t, func(req api.Frame) [][]byte {
		resp := answer(req)
		if cmd, ok := req.(*api.ATCommand); ok && cmd.Command == "NI" && string(params["NI"]) == "kitchen" {
			// another caller renames the node before this answer is stored
			params["NI"] = []byte("garage")
			d.invalidate()
		}
		return resp
	})
	d = NewDevice(NewConn(port), Options{})
	ctx := context.Background()

	id, err := d.NodeID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "kitchen", id)

	id, err = d.NodeID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "garage", id)
	assert.Len(t, port.requests(), 2)
}
