package api

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// FrameType is the API identifier byte that selects a payload layout.
type FrameType byte

// Known API identifiers
const (
	TypeATCommand             FrameType = 0x08
	TypeATCommandQueue        FrameType = 0x09
	TypeRemoteCommandRequest  FrameType = 0x17
	TypeATCommandResponse     FrameType = 0x88
	TypeModemStatus           FrameType = 0x8A
	TypeTransmitStatus        FrameType = 0x8B
	TypeReceivePacket         FrameType = 0x90
	TypeExplicitRxIndicator   FrameType = 0x91
	TypeRemoteCommandResponse FrameType = 0x97
)

func (t FrameType) String() string {
	switch t {
	case TypeATCommand:
		return "ATCommand"
	case TypeATCommandQueue:
		return "ATCommandQueue"
	case TypeRemoteCommandRequest:
		return "RemoteCommandRequest"
	case TypeATCommandResponse:
		return "ATCommandResponse"
	case TypeModemStatus:
		return "ModemStatus"
	case TypeTransmitStatus:
		return "TransmitStatus"
	case TypeReceivePacket:
		return "ReceivePacket"
	case TypeExplicitRxIndicator:
		return "ExplicitRxIndicator"
	case TypeRemoteCommandResponse:
		return "RemoteCommandResponse"
	default:
		return fmt.Sprintf("Frame(0x%02X)", byte(t))
	}
}

// Frame is one decoded or to-be-encoded API frame.
type Frame interface {
	FrameType() FrameType
	// AppendPayload appends the payload (everything after the type id) to b.
	AppendPayload(b []byte) ([]byte, error)
}

// Correlated frames carry a frame id that ties a response to its request.
type Correlated interface {
	Frame
	FrameID() byte
}

// Request is a correlated frame that expects a response of a known type.
type Request interface {
	Correlated
	ResponseType() FrameType
}

// Response is a correlated frame that carries a command status.
type Response interface {
	Correlated
	Command() string
	CommandStatus() CommandStatus
	RetrievedValue() []byte
}

// DecodeFunc builds a typed frame from a payload (type id stripped).
type DecodeFunc func(payload []byte) (Frame, error)

var (
	registryMu sync.RWMutex
	registry   = map[FrameType]DecodeFunc{}
)

// Register installs the decoder for a frame type, replacing any previous one.
func Register(t FrameType, fn DecodeFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[t] = fn
}

// DecodeBody dispatches on body[0] and decodes body[1:]. Unregistered
// types come back as *RawFrame.
func DecodeBody(body []byte) (Frame, error) {
	if len(body) == 0 {
		return nil, ErrEmptyFrame
	}
	t := FrameType(body[0])
	payload := append([]byte(nil), body[1:]...)

	registryMu.RLock()
	fn, ok := registry[t]
	registryMu.RUnlock()
	if !ok {
		return &RawFrame{Type: t, Data: payload}, nil
	}
	return fn(payload)
}

func init() {
	Register(TypeATCommand, decodeATCommand)
	Register(TypeATCommandQueue, decodeATCommandQueue)
	Register(TypeATCommandResponse, decodeATCommandResponse)
	Register(TypeRemoteCommandRequest, decodeRemoteCommandRequest)
	Register(TypeRemoteCommandResponse, decodeRemoteCommandResponse)
	Register(TypeModemStatus, decodeModemStatus)
	Register(TypeTransmitStatus, decodeTransmitStatus)
	Register(TypeReceivePacket, decodeReceivePacket)
	Register(TypeExplicitRxIndicator, decodeExplicitRxIndicator)
}

// CommandStatus is the status byte of an AT or remote command response.
type CommandStatus byte

const (
	StatusOK               CommandStatus = 0
	StatusError            CommandStatus = 1
	StatusInvalidCommand   CommandStatus = 2
	StatusInvalidParameter CommandStatus = 3
)

func (s CommandStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	case StatusInvalidCommand:
		return "Invalid_Command"
	case StatusInvalidParameter:
		return "Invalid_Parameter"
	default:
		return fmt.Sprintf("CommandStatus(%d)", byte(s))
	}
}

func parseCommandStatus(t FrameType, b byte) (CommandStatus, error) {
	if b > byte(StatusInvalidParameter) {
		return 0, &ProtocolError{Type: t, Field: "status", Value: int(b), Reason: "not a command status"}
	}
	return CommandStatus(b), nil
}

// ModemStatusCode is the single byte carried by a modem status frame.
type ModemStatusCode byte

const (
	ModemHardwareReset      ModemStatusCode = 1
	ModemWatchdogTimerReset ModemStatusCode = 2
	ModemAssociated         ModemStatusCode = 3
)

func (s ModemStatusCode) String() string {
	switch s {
	case ModemHardwareReset:
		return "Hardware_Reset"
	case ModemWatchdogTimerReset:
		return "Watchdog_Timer_Reset"
	case ModemAssociated:
		return "Associated"
	default:
		return fmt.Sprintf("ModemStatus(%d)", byte(s))
	}
}

// Remote command options
const (
	RemoteOptionNone         byte = 0x00
	RemoteOptionApplyChanges byte = 0x02
)

// Addresses used when a remote request targets a node by 64-bit address only.
const (
	BroadcastAddress64 uint64 = 0x000000000000FFFF
	UnknownAddress16   uint16 = 0xFFFE
)

func appendCommand(t FrameType, b []byte, cmd string) ([]byte, error) {
	if len(cmd) != 2 {
		return nil, &ProtocolError{Type: t, Field: "command", Value: -1,
			Reason: fmt.Sprintf("%q is not a two character AT command", cmd)}
	}
	for i := 0; i < 2; i++ {
		if cmd[i] < 0x20 || cmd[i] > 0x7E {
			return nil, &ProtocolError{Type: t, Field: "command", Value: int(cmd[i]), Reason: "not printable ASCII"}
		}
	}
	return append(b, cmd[0], cmd[1]), nil
}

// ATCommand queries or sets a local parameter (0x08). A FrameID of 0
// tells the module not to answer.
type ATCommand struct {
	ID        byte
	Command   string
	Parameter []byte
}

func (f *ATCommand) FrameType() FrameType     { return TypeATCommand }
func (f *ATCommand) FrameID() byte            { return f.ID }
func (f *ATCommand) ResponseType() FrameType  { return TypeATCommandResponse }
func (f *ATCommand) AppendPayload(b []byte) ([]byte, error) {
	return appendATCommand(TypeATCommand, b, f.ID, f.Command, f.Parameter)
}

// ATCommandQueue is an AT command whose value is queued until AC or a
// plain AT command applies it (0x09).
type ATCommandQueue struct {
	ID        byte
	Command   string
	Parameter []byte
}

func (f *ATCommandQueue) FrameType() FrameType    { return TypeATCommandQueue }
func (f *ATCommandQueue) FrameID() byte           { return f.ID }
func (f *ATCommandQueue) ResponseType() FrameType { return TypeATCommandResponse }
func (f *ATCommandQueue) AppendPayload(b []byte) ([]byte, error) {
	return appendATCommand(TypeATCommandQueue, b, f.ID, f.Command, f.Parameter)
}

func appendATCommand(t FrameType, b []byte, id byte, cmd string, param []byte) ([]byte, error) {
	b = append(b, id)
	b, err := appendCommand(t, b, cmd)
	if err != nil {
		return nil, err
	}
	return append(b, param...), nil
}

func splitATCommand(t FrameType, p []byte) (byte, string, []byte, error) {
	if len(p) < 3 {
		return 0, "", nil, shortPayload(t, "command")
	}
	return p[0], string(p[1:3]), p[3:], nil
}

func decodeATCommand(p []byte) (Frame, error) {
	id, cmd, param, err := splitATCommand(TypeATCommand, p)
	if err != nil {
		return nil, err
	}
	return &ATCommand{ID: id, Command: cmd, Parameter: param}, nil
}

func decodeATCommandQueue(p []byte) (Frame, error) {
	id, cmd, param, err := splitATCommand(TypeATCommandQueue, p)
	if err != nil {
		return nil, err
	}
	return &ATCommandQueue{ID: id, Command: cmd, Parameter: param}, nil
}

// ATCommandResponse answers an ATCommand or ATCommandQueue (0x88).
type ATCommandResponse struct {
	ID     byte
	Cmd    string
	Status CommandStatus
	Value  []byte
}

func (f *ATCommandResponse) FrameType() FrameType         { return TypeATCommandResponse }
func (f *ATCommandResponse) FrameID() byte                { return f.ID }
func (f *ATCommandResponse) Command() string              { return f.Cmd }
func (f *ATCommandResponse) CommandStatus() CommandStatus { return f.Status }
func (f *ATCommandResponse) RetrievedValue() []byte       { return f.Value }
func (f *ATCommandResponse) AppendPayload(b []byte) ([]byte, error) {
	b = append(b, f.ID)
	b, err := appendCommand(TypeATCommandResponse, b, f.Cmd)
	if err != nil {
		return nil, err
	}
	b = append(b, byte(f.Status))
	return append(b, f.Value...), nil
}

func decodeATCommandResponse(p []byte) (Frame, error) {
	if len(p) < 4 {
		return nil, shortPayload(TypeATCommandResponse, "status")
	}
	status, err := parseCommandStatus(TypeATCommandResponse, p[3])
	if err != nil {
		return nil, err
	}
	return &ATCommandResponse{
		ID:     p[0],
		Cmd:    string(p[1:3]),
		Status: status,
		Value:  p[4:],
	}, nil
}

// RemoteCommandRequest runs an AT command on another radio (0x17).
type RemoteCommandRequest struct {
	ID        byte
	Address64 uint64
	Address16 uint16
	Options   byte
	Command   string
	Parameter []byte
}

func (f *RemoteCommandRequest) FrameType() FrameType    { return TypeRemoteCommandRequest }
func (f *RemoteCommandRequest) FrameID() byte           { return f.ID }
func (f *RemoteCommandRequest) ResponseType() FrameType { return TypeRemoteCommandResponse }
func (f *RemoteCommandRequest) AppendPayload(b []byte) ([]byte, error) {
	b = append(b, f.ID)
	b = binary.BigEndian.AppendUint64(b, f.Address64)
	b = binary.BigEndian.AppendUint16(b, f.Address16)
	b = append(b, f.Options)
	b, err := appendCommand(TypeRemoteCommandRequest, b, f.Command)
	if err != nil {
		return nil, err
	}
	return append(b, f.Parameter...), nil
}

func decodeRemoteCommandRequest(p []byte) (Frame, error) {
	if len(p) < 14 {
		return nil, shortPayload(TypeRemoteCommandRequest, "command")
	}
	return &RemoteCommandRequest{
		ID:        p[0],
		Address64: binary.BigEndian.Uint64(p[1:9]),
		Address16: binary.BigEndian.Uint16(p[9:11]),
		Options:   p[11],
		Command:   string(p[12:14]),
		Parameter: p[14:],
	}, nil
}

// RemoteCommandResponse answers a RemoteCommandRequest (0x97).
type RemoteCommandResponse struct {
	ID        byte
	Address64 uint64
	Address16 uint16
	Cmd       string
	Status    CommandStatus
	Value     []byte
}

func (f *RemoteCommandResponse) FrameType() FrameType         { return TypeRemoteCommandResponse }
func (f *RemoteCommandResponse) FrameID() byte                { return f.ID }
func (f *RemoteCommandResponse) Command() string              { return f.Cmd }
func (f *RemoteCommandResponse) CommandStatus() CommandStatus { return f.Status }
func (f *RemoteCommandResponse) RetrievedValue() []byte       { return f.Value }
func (f *RemoteCommandResponse) AppendPayload(b []byte) ([]byte, error) {
	b = append(b, f.ID)
	b = binary.BigEndian.AppendUint64(b, f.Address64)
	b = binary.BigEndian.AppendUint16(b, f.Address16)
	b, err := appendCommand(TypeRemoteCommandResponse, b, f.Cmd)
	if err != nil {
		return nil, err
	}
	b = append(b, byte(f.Status))
	return append(b, f.Value...), nil
}

func decodeRemoteCommandResponse(p []byte) (Frame, error) {
	if len(p) < 14 {
		return nil, shortPayload(TypeRemoteCommandResponse, "status")
	}
	status, err := parseCommandStatus(TypeRemoteCommandResponse, p[13])
	if err != nil {
		return nil, err
	}
	return &RemoteCommandResponse{
		ID:        p[0],
		Address64: binary.BigEndian.Uint64(p[1:9]),
		Address16: binary.BigEndian.Uint16(p[9:11]),
		Cmd:       string(p[11:13]),
		Status:    status,
		Value:     p[14:],
	}, nil
}

// ModemStatus is sent by the module on resets and association (0x8A).
type ModemStatus struct {
	Status ModemStatusCode
}

func (f *ModemStatus) FrameType() FrameType { return TypeModemStatus }
func (f *ModemStatus) AppendPayload(b []byte) ([]byte, error) {
	return append(b, byte(f.Status)), nil
}

func decodeModemStatus(p []byte) (Frame, error) {
	if len(p) < 1 {
		return nil, shortPayload(TypeModemStatus, "status")
	}
	s := ModemStatusCode(p[0])
	if s < ModemHardwareReset || s > ModemAssociated {
		return nil, &ProtocolError{Type: TypeModemStatus, Field: "status", Value: int(p[0]), Reason: "not a modem status"}
	}
	return &ModemStatus{Status: s}, nil
}

// TransmitStatus reports delivery of a transmit request (0x8B).
type TransmitStatus struct {
	ID              byte
	Address16       uint16
	Retries         byte
	DeliveryStatus  byte
	DiscoveryStatus byte
}

func (f *TransmitStatus) FrameType() FrameType { return TypeTransmitStatus }
func (f *TransmitStatus) FrameID() byte        { return f.ID }
func (f *TransmitStatus) AppendPayload(b []byte) ([]byte, error) {
	b = append(b, f.ID)
	b = binary.BigEndian.AppendUint16(b, f.Address16)
	return append(b, f.Retries, f.DeliveryStatus, f.DiscoveryStatus), nil
}

// Delivered reports a delivery status of success.
func (f *TransmitStatus) Delivered() bool { return f.DeliveryStatus == 0 }

func decodeTransmitStatus(p []byte) (Frame, error) {
	if len(p) < 6 {
		return nil, shortPayload(TypeTransmitStatus, "discovery status")
	}
	return &TransmitStatus{
		ID:              p[0],
		Address16:       binary.BigEndian.Uint16(p[1:3]),
		Retries:         p[3],
		DeliveryStatus:  p[4],
		DiscoveryStatus: p[5],
	}, nil
}

// ReceivePacket carries RF data from another radio (0x90).
type ReceivePacket struct {
	Address64 uint64
	Address16 uint16
	Options   byte
	Data      []byte
}

func (f *ReceivePacket) FrameType() FrameType { return TypeReceivePacket }
func (f *ReceivePacket) AppendPayload(b []byte) ([]byte, error) {
	b = binary.BigEndian.AppendUint64(b, f.Address64)
	b = binary.BigEndian.AppendUint16(b, f.Address16)
	b = append(b, f.Options)
	return append(b, f.Data...), nil
}

func decodeReceivePacket(p []byte) (Frame, error) {
	if len(p) < 11 {
		return nil, shortPayload(TypeReceivePacket, "options")
	}
	return &ReceivePacket{
		Address64: binary.BigEndian.Uint64(p[0:8]),
		Address16: binary.BigEndian.Uint16(p[8:10]),
		Options:   p[10],
		Data:      p[11:],
	}, nil
}

// ExplicitRxIndicator is a receive packet with explicit addressing (0x91).
type ExplicitRxIndicator struct {
	Address64           uint64
	Address16           uint16
	SourceEndpoint      byte
	DestinationEndpoint byte
	ClusterID           uint16
	ProfileID           uint16
	Options             byte
	Data                []byte
}

func (f *ExplicitRxIndicator) FrameType() FrameType { return TypeExplicitRxIndicator }
func (f *ExplicitRxIndicator) AppendPayload(b []byte) ([]byte, error) {
	b = binary.BigEndian.AppendUint64(b, f.Address64)
	b = binary.BigEndian.AppendUint16(b, f.Address16)
	b = append(b, f.SourceEndpoint, f.DestinationEndpoint)
	b = binary.BigEndian.AppendUint16(b, f.ClusterID)
	b = binary.BigEndian.AppendUint16(b, f.ProfileID)
	b = append(b, f.Options)
	return append(b, f.Data...), nil
}

func decodeExplicitRxIndicator(p []byte) (Frame, error) {
	if len(p) < 17 {
		return nil, shortPayload(TypeExplicitRxIndicator, "options")
	}
	return &ExplicitRxIndicator{
		Address64:           binary.BigEndian.Uint64(p[0:8]),
		Address16:           binary.BigEndian.Uint16(p[8:10]),
		SourceEndpoint:      p[10],
		DestinationEndpoint: p[11],
		ClusterID:           binary.BigEndian.Uint16(p[12:14]),
		ProfileID:           binary.BigEndian.Uint16(p[14:16]),
		Options:             p[16],
		Data:                p[17:],
	}, nil
}

// RawFrame is any frame whose type has no registered decoder.
type RawFrame struct {
	Type FrameType
	Data []byte
}

func (f *RawFrame) FrameType() FrameType { return f.Type }
func (f *RawFrame) AppendPayload(b []byte) ([]byte, error) {
	return append(b, f.Data...), nil
}
