package xbee

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"xbeectl/api"
	"xbeectl/logging"
)

// Neighbor is one node reported by node discovery (ATND)
type Neighbor struct {
	Address16      uint16 // MY
	SerialHigh     uint32 // SH
	SerialLow      uint32 // SL
	NodeID         string // NI
	ParentAddress  uint16
	DeviceType     byte
	Status         byte
	ProfileID      uint16
	ManufacturerID uint16
}

// Address64 joins the serial number halves
func (n Neighbor) Address64() uint64 {
	return uint64(n.SerialHigh)<<32 | uint64(n.SerialLow)
}

func (n Neighbor) String() string {
	return fmt.Sprintf("%016X (MY %04X) %q", n.Address64(), n.Address16, n.NodeID)
}

// neighborTrailerLen is parent(2) type(1) status(1) profile(2) manufacturer(2)
const neighborTrailerLen = 8

// ParseNeighbor decodes the value of one ND response:
// MY(2) SH(4) SL(4) NI(null terminated) then an optional trailer.
// 802.15.4 firmware stops after NI; the trailer is read when present.
func ParseNeighbor(b []byte) (Neighbor, error) {
	if len(b) < 10 {
		return Neighbor{}, fmt.Errorf("node discovery record too short: %d bytes", len(b))
	}
	n := Neighbor{
		Address16:  binary.BigEndian.Uint16(b[0:2]),
		SerialHigh: binary.BigEndian.Uint32(b[2:6]),
		SerialLow:  binary.BigEndian.Uint32(b[6:10]),
	}

	rest := b[10:]
	end := bytes.IndexByte(rest, 0x00)
	if end < 0 {
		n.NodeID = string(rest)
		return n, nil
	}
	n.NodeID = string(rest[:end])
	rest = rest[end+1:]

	if len(rest) >= neighborTrailerLen {
		n.ParentAddress = binary.BigEndian.Uint16(rest[0:2])
		n.DeviceType = rest[2]
		n.Status = rest[3]
		n.ProfileID = binary.BigEndian.Uint16(rest[4:6])
		n.ManufacturerID = binary.BigEndian.Uint16(rest[6:8])
	}
	return n, nil
}

// AppendNeighbor encodes n the way the module reports it, with the trailer
func AppendNeighbor(b []byte, n Neighbor) []byte {
	b = binary.BigEndian.AppendUint16(b, n.Address16)
	b = binary.BigEndian.AppendUint32(b, n.SerialHigh)
	b = binary.BigEndian.AppendUint32(b, n.SerialLow)
	b = append(b, n.NodeID...)
	b = append(b, 0x00)
	b = binary.BigEndian.AppendUint16(b, n.ParentAddress)
	b = append(b, n.DeviceType, n.Status)
	b = binary.BigEndian.AppendUint16(b, n.ProfileID)
	return binary.BigEndian.AppendUint16(b, n.ManufacturerID)
}

// DiscoveryWindow converts ATNT (100 ms units) to how long the host
// listens: the module's own window plus 5%.
func DiscoveryWindow(nt int) time.Duration {
	return time.Duration(nt) * 105 * time.Millisecond
}

type discoveryState int

const (
	discoveryIdle discoveryState = iota
	discoveryAwaiting
	discoveryCollecting
	discoveryDone
)

// Discover sends ATND and collects one Neighbor per response until the
// module sends an empty response or window elapses. Running out of time is
// the normal end of a best-effort discovery, not an error.
//
// A response to the ND frame id with an unexpected type or a non-OK status
// ends discovery with what was collected. An error is returned only when
// the transport fails or ctx is done; the neighbors found so far are
// returned with it.
func (c *Conn) Discover(ctx context.Context, window time.Duration) ([]Neighbor, error) {
	req := &api.ATCommand{ID: c.NextFrameID(), Command: "ND"}

	c.mu.Lock()
	defer c.mu.Unlock()

	state := discoveryIdle
	if err := c.send(ctx, req); err != nil {
		return nil, err
	}
	state = discoveryAwaiting

	c.reader.arm(ctx, window)
	defer c.reader.disarm()

	var neighbors []Neighbor
	for state != discoveryDone {
		f, err := c.readFrame()
		switch {
		case err == nil:
		case errors.Is(err, api.ErrTimeout):
			logging.Debug("Node discovery window elapsed", zap.Int("neighbors", len(neighbors)))
			state = discoveryDone
			continue
		case recoverable(err), errors.Is(err, api.ErrChecksum), errors.Is(err, api.ErrProtocol):
			continue
		default:
			return neighbors, fmt.Errorf("node discovery: %w", err)
		}

		cf, ok := f.(api.Correlated)
		if !ok || cf.FrameID() != req.ID {
			c.dispatch(f)
			continue
		}

		resp, ok := f.(*api.ATCommandResponse)
		if !ok || resp.Status != api.StatusOK {
			logging.Warn("Unexpected response to ATND, ending discovery",
				zap.Stringer("type", f.FrameType()),
				zap.Int("neighbors", len(neighbors)),
			)
			if ok {
				logging.Warn("ATND status", zap.Stringer("status", resp.Status))
			}
			state = discoveryDone
			continue
		}

		if len(resp.Value) == 0 {
			state = discoveryDone
			continue
		}

		n, err := ParseNeighbor(resp.Value)
		if err != nil {
			logging.Warn("Skipping malformed discovery record", zap.Error(err))
			continue
		}
		logging.Debug("Discovered neighbor", zap.Stringer("neighbor", n))
		neighbors = append(neighbors, n)
		state = discoveryCollecting
	}

	return neighbors, nil
}
