package xbee

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xbeectl/api"
)

var testNeighbors = []Neighbor{
	{Address16: 0x0000, SerialHigh: 0x0013A200, SerialLow: 0x4008A642, NodeID: "kitchen", ParentAddress: 0xFFFE, DeviceType: 1, ProfileID: 0xC105, ManufacturerID: 0x101E},
	{Address16: 0x0001, SerialHigh: 0x0013A200, SerialLow: 0x4008A697, NodeID: "", ParentAddress: 0xFFFE, DeviceType: 2, ProfileID: 0xC105, ManufacturerID: 0x101E},
	{Address16: 0x7E7D, SerialHigh: 0x0013A200, SerialLow: 0x40085AD5, NodeID: "shed~", ParentAddress: 0x0000, DeviceType: 2, Status: 1, ProfileID: 0xC105, ManufacturerID: 0x101E},
}

func ndResponses(t *testing.T, id byte, neighbors []Neighbor, terminate bool) [][]byte {
	var out [][]byte
	for _, n := range neighbors {
		out = append(out, wire(t, &api.ATCommandResponse{ID: id, Cmd: "ND", Status: api.StatusOK, Value: AppendNeighbor(nil, n)}))
	}
	if terminate {
		out = append(out, wire(t, &api.ATCommandResponse{ID: id, Cmd: "ND", Status: api.StatusOK}))
	}
	return out
}

func TestDiscoverStopsOnEmptyResponse(t *testing.T) {
	port := newFakePort(t, func(req api.Frame) [][]byte {
		cmd := req.(*api.ATCommand)
		require.Equal(t, "ND", cmd.Command)
		require.Empty(t, cmd.Parameter)
		out := ndResponses(t, cmd.ID, testNeighbors, true)
		// anything after the terminator belongs to someone else
		return append(out, wire(t, &api.ATCommandResponse{ID: cmd.ID, Cmd: "ND", Status: api.StatusOK, Value: AppendNeighbor(nil, testNeighbors[0])}))
	})
	conn := NewConn(port)

	start := time.Now()
	got, err := conn.Discover(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, testNeighbors, got)
}

func TestDiscoverTimeoutIsNotAnError(t *testing.T) {
	port := newFakePort(t, func(req api.Frame) [][]byte {
		return ndResponses(t, req.(*api.ATCommand).ID, testNeighbors[:2], false)
	})
	conn := NewConn(port)

	start := time.Now()
	got, err := conn.Discover(context.Background(), 60*time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	assert.Equal(t, testNeighbors[:2], got)
}

func TestDiscoverNoNeighbors(t *testing.T) {
	port := newFakePort(t, func(req api.Frame) [][]byte {
		return ndResponses(t, req.(*api.ATCommand).ID, nil, true)
	})
	got, err := NewConn(port).Discover(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDiscoverEndsOnUnexpectedFrame(t *testing.T) {
	tests := []struct {
		name       string
		unexpected func(id byte) api.Frame
	}{
		{
			name: "wrong type",
			unexpected: func(id byte) api.Frame {
				return &api.TransmitStatus{ID: id, Address16: 0xFFFE}
			},
		},
		{
			name: "error status",
			unexpected: func(id byte) api.Frame {
				return &api.ATCommandResponse{ID: id, Cmd: "ND", Status: api.StatusError}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := newFakePort(t, func(req api.Frame) [][]byte {
				id := req.(*api.ATCommand).ID
				out := ndResponses(t, id, testNeighbors[:1], false)
				out = append(out, wire(t, tt.unexpected(id)))
				return append(out, ndResponses(t, id, testNeighbors[1:], true)...)
			})

			start := time.Now()
			got, err := NewConn(port).Discover(context.Background(), 5*time.Second)
			require.NoError(t, err)
			assert.Less(t, time.Since(start), time.Second)
			assert.Equal(t, testNeighbors[:1], got)
		})
	}
}

func TestDiscoverPassesOtherFramesThrough(t *testing.T) {
	modem := &api.ModemStatus{Status: api.ModemAssociated}
	port := newFakePort(t, func(req api.Frame) [][]byte {
		id := req.(*api.ATCommand).ID
		out := ndResponses(t, id, testNeighbors[:1], false)
		out = append(out,
			wire(t, modem),
			wire(t, &api.ATCommandResponse{ID: id + 1, Cmd: "VR", Status: api.StatusOK}),
			[]byte{0x7E, 0x00, 0x02, 0x88}, // cut short by the next delimiter
		)
		return append(out, ndResponses(t, id, testNeighbors[1:], true)...)
	})

	var seen []api.Frame
	conn := NewConn(port, WithFrameHandler(func(f api.Frame) { seen = append(seen, f) }))

	got, err := conn.Discover(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, testNeighbors, got)
	require.Len(t, seen, 2)
	assert.Equal(t, modem, seen[0])
}

func TestDiscoverTransportClosed(t *testing.T) {
	port := newFakePort(t, func(req api.Frame) [][]byte {
		return ndResponses(t, req.(*api.ATCommand).ID, testNeighbors[:2], false)
	})
	conn := NewConn(port)
	go func() {
		time.Sleep(30 * time.Millisecond)
		port.Close()
	}()

	got, err := conn.Discover(context.Background(), 5*time.Second)
	require.ErrorIs(t, err, api.ErrClosed)
	assert.Equal(t, testNeighbors[:2], got)
}

func TestParseNeighbor(t *testing.T) {
	t.Run("with trailer", func(t *testing.T) {
		n, err := ParseNeighbor(AppendNeighbor(nil, testNeighbors[0]))
		require.NoError(t, err)
		assert.Equal(t, testNeighbors[0], n)
		assert.Equal(t, uint64(0x0013A2004008A642), n.Address64())
	})

	t.Run("802.15.4 record without trailer", func(t *testing.T) {
		b := []byte{0x12, 0x34, 0x00, 0x13, 0xA2, 0x00, 0x40, 0x08, 0xA6, 0x42}
		b = append(b, "pump\x00"...)
		n, err := ParseNeighbor(b)
		require.NoError(t, err)
		assert.Equal(t, Neighbor{Address16: 0x1234, SerialHigh: 0x0013A200, SerialLow: 0x4008A642, NodeID: "pump"}, n)
	})

	t.Run("unterminated node id", func(t *testing.T) {
		b := append(make([]byte, 10), "gate"...)
		n, err := ParseNeighbor(b)
		require.NoError(t, err)
		assert.Equal(t, "gate", n.NodeID)
	})

	t.Run("too short", func(t *testing.T) {
		_, err := ParseNeighbor([]byte{0x00, 0x01, 0x02})
		assert.Error(t, err)
	})
}

func TestDiscoveryWindow(t *testing.T) {
	assert.Equal(t, 13650*time.Millisecond, DiscoveryWindow(DefaultNodeDiscoverTimeout))
	assert.Equal(t, 105*time.Millisecond, DiscoveryWindow(1))
}
