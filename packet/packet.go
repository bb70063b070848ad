// Package packet turns frames and discovery results into the events the
// monitor displays.
package packet

import (
	"fmt"
	"time"

	"xbeectl/api"
	"xbeectl/device/xbee"
)

// PacketType says what kind of event a Packet carries
type PacketType int

const (
	TypeNeighbor        PacketType = iota // A node reported by discovery
	TypeModemStatus                       // Reset or association change
	TypeReceive                           // Data from another radio
	TypeTransmitStatus                    // Delivery report for a transmit
	TypeCommandResponse                   // A response nobody was waiting for
	TypeUnknown                           // Frame type without a decoder
)

func (t PacketType) String() string {
	switch t {
	case TypeNeighbor:
		return "ND"
	case TypeModemStatus:
		return "MODEM"
	case TypeReceive:
		return "RX"
	case TypeTransmitStatus:
		return "TX"
	case TypeCommandResponse:
		return "AT"
	default:
		return "??"
	}
}

// Packet is one event for the monitor
type Packet struct {
	Type PacketType
	Time time.Time

	// Source is the 64-bit address of the radio the event came from;
	// zero for the local module.
	Source uint64
	// Summary is a one line description
	Summary string

	// Set for TypeNeighbor
	Neighbor *xbee.Neighbor
	// Set for TypeReceive
	Data []byte
}

// FromNeighbor wraps a discovery result
func FromNeighbor(n xbee.Neighbor, at time.Time) *Packet {
	return &Packet{
		Type:     TypeNeighbor,
		Time:     at,
		Source:   n.Address64(),
		Summary:  n.String(),
		Neighbor: &n,
	}
}

// FromFrame describes an unsolicited frame
func FromFrame(f api.Frame, at time.Time) *Packet {
	p := &Packet{Time: at}
	switch f := f.(type) {
	case *api.ModemStatus:
		p.Type = TypeModemStatus
		p.Summary = f.Status.String()
	case *api.ReceivePacket:
		p.Type = TypeReceive
		p.Source = f.Address64
		p.Data = f.Data
		p.Summary = fmt.Sprintf("%016X: %s", f.Address64, printable(f.Data))
	case *api.ExplicitRxIndicator:
		p.Type = TypeReceive
		p.Source = f.Address64
		p.Data = f.Data
		p.Summary = fmt.Sprintf("%016X ep %02X>%02X cluster %04X: %s",
			f.Address64, f.SourceEndpoint, f.DestinationEndpoint, f.ClusterID, printable(f.Data))
	case *api.TransmitStatus:
		p.Type = TypeTransmitStatus
		result := "delivered"
		if !f.Delivered() {
			result = fmt.Sprintf("failed 0x%02X", f.DeliveryStatus)
		}
		p.Summary = fmt.Sprintf("id %d to %04X %s after %d retries", f.ID, f.Address16, result, f.Retries)
	case *api.ATCommandResponse:
		p.Type = TypeCommandResponse
		p.Summary = fmt.Sprintf("id %d AT%s %s", f.ID, f.Cmd, f.Status)
	case *api.RemoteCommandResponse:
		p.Type = TypeCommandResponse
		p.Source = f.Address64
		p.Summary = fmt.Sprintf("id %d %016X AT%s %s", f.ID, f.Address64, f.Cmd, f.Status)
	default:
		p.Type = TypeUnknown
		p.Summary = fmt.Sprintf("frame %s", f.FrameType())
	}
	return p
}

// String formats the packet for the message bar
func (p *Packet) String() string {
	return fmt.Sprintf("%s %-5s %s", p.Time.Format("15:04:05"), p.Type, p.Summary)
}

// printable shows data as text when it is all printable ASCII, hex
// otherwise
func printable(b []byte) string {
	for _, c := range b {
		if c < 0x20 || c > 0x7E {
			return fmt.Sprintf("% X", b)
		}
	}
	return fmt.Sprintf("%q", b)
}
