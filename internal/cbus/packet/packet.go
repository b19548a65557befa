// Package packet implements the structured C-Bus packet, SAL and CAL sum
// types, and their encoding to/from the raw bytes carried inside a frame
// payload (see internal/cbus/frame for the surrounding ASCII transport).
package packet

import "fmt"

// Application selects which C-Bus application a SAL or status request
// addresses.
type Application byte

const (
	Lighting      Application = 0x38
	Temperature   Application = 0x19
	Trigger       Application = 0xCA
	Enable        Application = 0xCB
	Clock         Application = 0xDF
	StatusRequest Application = 0xFF
)

// Kind identifies which packet variant a decoded Packet holds.
type Kind int

const (
	KindReset Kind = iota
	KindDeviceManagement
	KindPointToMultipoint
	KindPointToPoint
	KindConfirmation
	KindPCIError
	KindPowerOn
	KindInvalid
)

// Packet is the closed sum type for everything the codec can produce.
type Packet interface {
	Kind() Kind
}

// Reset requests a full system reset of the PCI. It carries no payload; on
// the wire it is an empty basic-mode command (a lone CR).
type Reset struct{}

func (Reset) Kind() Kind { return KindReset }

// DeviceManagement writes a single management-interface parameter. Wire
// layout is the fixed prefix 0xA3, the parameter byte, a reserved zero byte,
// then the value byte.
type DeviceManagement struct {
	Parameter byte
	Value     byte
	Checksum  bool
}

func (DeviceManagement) Kind() Kind { return KindDeviceManagement }

// PointToMultipoint carries one or more application SAL units broadcast to
// the whole network. Source is non-nil only for packets the PCI reports as
// observed on the network (monitor mode); packets composed by this host
// never set it.
type PointToMultipoint struct {
	Source       *byte
	Confirmation bool
	SAL          []SAL
}

func (PointToMultipoint) Kind() Kind { return KindPointToMultipoint }

// PointToPoint addresses a single unit directly with one or more CAL units.
type PointToPoint struct {
	Unit byte
	CAL  []CAL
}

func (PointToPoint) Kind() Kind { return KindPointToPoint }

// Confirmation reports success or failure of a previously sent command.
// Never produced by DecodePacket: the frame layer recognises the two-byte
// <code><'.'|'!'> short form before a payload line is ever hex-decoded.
type Confirmation struct {
	Code    byte
	Success bool
}

func (Confirmation) Kind() Kind { return KindConfirmation }

// PCIError is the lone '!' short response: the PCI cannot accept more data.
type PCIError struct{}

func (PCIError) Kind() Kind { return KindPCIError }

// PowerOn is the lone '+' short response: smart-mode prompt / power-on.
type PowerOn struct{}

func (PowerOn) Kind() Kind { return KindPowerOn }

// InvalidPacket is returned by DecodePacket instead of an error so that
// malformed frames are a value callers can log and discard, never a panic
// or exception.
type InvalidPacket struct {
	Reason string
	Raw    []byte
}

func (InvalidPacket) Kind() Kind { return KindInvalid }

const (
	dmPrefix     = 0xA3
	pmNoSource   = 0x05
	pmWithSource = 0x06
	ppRouting    = 0x07
)

// EncodePacket renders p as the raw bytes that go inside a frame payload
// (before hex encoding). Confirmation, PCIError and PowerOn are never sent
// host->PCI; encoding one of them is a caller bug.
func EncodePacket(p Packet) ([]byte, error) {
	switch v := p.(type) {
	case Reset:
		return []byte{}, nil
	case DeviceManagement:
		return []byte{dmPrefix, v.Parameter, 0x00, v.Value}, nil
	case PointToMultipoint:
		out := make([]byte, 0, 8)
		if v.Source != nil {
			out = append(out, pmWithSource, *v.Source)
		} else {
			out = append(out, pmNoSource)
		}
		for _, s := range v.SAL {
			out = append(out, encodeSAL(s)...)
		}
		return out, nil
	case PointToPoint:
		out := []byte{ppRouting, v.Unit}
		for _, c := range v.CAL {
			out = append(out, encodeCAL(c)...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("packet: %T is not encodable from host", p)
	}
}

// DecodePacket parses the raw bytes of a frame payload line (already
// hex-decoded, CR/LF stripped). It only ever handles the variants that can
// legitimately arrive as a hex payload line; Confirmation, PCIError and
// PowerOn are recognised by the frame layer before hex-decoding happens.
func DecodePacket(raw []byte) (Packet, int) {
	if len(raw) == 0 {
		return Reset{}, 0
	}
	switch raw[0] {
	case dmPrefix:
		if len(raw) < 4 {
			return InvalidPacket{Reason: "short device-management packet", Raw: raw}, len(raw)
		}
		return DeviceManagement{Parameter: raw[1], Value: raw[3]}, 4
	case pmNoSource, pmWithSource:
		return decodePointToMultipoint(raw)
	case ppRouting:
		return decodePointToPoint(raw)
	default:
		return InvalidPacket{Reason: fmt.Sprintf("unrecognised routing byte 0x%02X", raw[0]), Raw: raw}, len(raw)
	}
}

func decodePointToMultipoint(raw []byte) (Packet, int) {
	pkt := PointToMultipoint{}
	i := 1
	if raw[0] == pmWithSource {
		if len(raw) < 2 {
			return InvalidPacket{Reason: "truncated point-to-multipoint source byte", Raw: raw}, len(raw)
		}
		src := raw[1]
		pkt.Source = &src
		i = 2
	}
	for i < len(raw) {
		sal, n, err := decodeSAL(raw[i:])
		if err != nil {
			return InvalidPacket{Reason: err.Error(), Raw: raw}, len(raw)
		}
		pkt.SAL = append(pkt.SAL, sal)
		i += n
	}
	return pkt, i
}

func decodePointToPoint(raw []byte) (Packet, int) {
	if len(raw) < 2 {
		return InvalidPacket{Reason: "truncated point-to-point unit byte", Raw: raw}, len(raw)
	}
	pkt := PointToPoint{Unit: raw[1]}
	i := 2
	for i < len(raw) {
		cal, n, err := decodeCAL(raw[i:])
		if err != nil {
			return InvalidPacket{Reason: err.Error(), Raw: raw}, len(raw)
		}
		pkt.CAL = append(pkt.CAL, cal)
		i += n
	}
	return pkt, i
}
