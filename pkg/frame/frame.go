// Package frame implements the wire types shared between the host and
// the CANdle USB↔FD-CAN bridge: the CAN frame itself, and the BusFrame
// envelope that multiplexes CAN frames, bus status, bridge configuration
// and bootloader commands onto USB bulk transfers.
package frame

import (
	"encoding/binary"
	"fmt"
)

// Kind discriminates the payload carried by a BusFrame.
type Kind uint8

const (
	KindCAN            Kind = 0x01
	KindStatus         Kind = 0x02
	KindConfig         Kind = 0x04
	KindBridgeReset    Kind = 0x0A
	KindBootloaderBase Kind = 100
	KindBootloaderMax  Kind = 103
)

func (k Kind) IsBootloader() bool {
	return k >= KindBootloaderBase && k <= KindBootloaderMax
}

func (k Kind) String() string {
	switch {
	case k == KindCAN:
		return "can"
	case k == KindStatus:
		return "status"
	case k == KindConfig:
		return "config"
	case k == KindBridgeReset:
		return "bridge-reset"
	case k.IsBootloader():
		return fmt.Sprintf("bootloader(%d)", uint8(k))
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

const (
	HeaderSize    = 8
	PayloadSize   = 100
	BusFrameSize  = HeaderSize + PayloadSize
	MaxCANPayload = 64
)

// BusFrame is the fixed 108-byte envelope sent over the bus transport.
// Only Id and PayloadSize are authoritative on the wire; the remaining
// 6 reserved header bytes are never read or written by this package,
// regardless of what the original firmware stuffs into them.
type BusFrame struct {
	Id          Kind
	PayloadSize uint8
	Payload     [PayloadSize]byte
}

// NewBusFrame copies payload (which must be <= PayloadSize bytes) into a
// fresh BusFrame of the given kind.
func NewBusFrame(id Kind, payload []byte) (BusFrame, error) {
	if len(payload) > PayloadSize {
		return BusFrame{}, fmt.Errorf("frame: payload of %d bytes exceeds BusFrame capacity %d", len(payload), PayloadSize)
	}
	bf := BusFrame{Id: id, PayloadSize: uint8(len(payload))}
	copy(bf.Payload[:], payload)
	return bf, nil
}

// Marshal serialises the BusFrame into its full 108-byte fixed-size form
// (header + the entire 100-byte payload array, trailing zero padded).
func (bf BusFrame) Marshal() []byte {
	buf := make([]byte, BusFrameSize)
	buf[0] = byte(bf.Id)
	buf[1] = bf.PayloadSize
	// bytes 2..7 reserved, left zero
	copy(buf[HeaderSize:], bf.Payload[:])
	return buf
}

// Unmarshal parses a 108-byte BusFrame from buf, which must be at least
// BusFrameSize long.
func Unmarshal(buf []byte) (BusFrame, error) {
	if len(buf) < BusFrameSize {
		return BusFrame{}, fmt.Errorf("frame: short buffer, need %d bytes got %d", BusFrameSize, len(buf))
	}
	bf := BusFrame{Id: Kind(buf[0]), PayloadSize: buf[1]}
	if int(bf.PayloadSize) > PayloadSize {
		return BusFrame{}, fmt.Errorf("frame: payload size %d exceeds capacity", bf.PayloadSize)
	}
	copy(bf.Payload[:], buf[HeaderSize:BusFrameSize])
	return bf, nil
}

// MarshalWire serialises the BusFrame into its variable-length on-wire
// form used by the bridge FIFO pump: an 8-byte header followed by exactly
// PayloadSize payload bytes, not padded to the full 100-byte capacity.
// This is what gets concatenated into bulk OUT transfers (§4.2).
func (bf BusFrame) MarshalWire() []byte {
	buf := make([]byte, HeaderSize+int(bf.PayloadSize))
	buf[0] = byte(bf.Id)
	buf[1] = bf.PayloadSize
	copy(buf[HeaderSize:], bf.Payload[:bf.PayloadSize])
	return buf
}

// UnmarshalWire parses one variable-length BusFrame from the head of buf,
// returning the frame and the number of bytes consumed. A zero id byte at
// the head of buf signals the end-of-frames terminator: ok is false and
// consumed is 1.
func UnmarshalWire(buf []byte) (bf BusFrame, consumed int, ok bool, err error) {
	if len(buf) < 1 {
		return BusFrame{}, 0, false, fmt.Errorf("frame: empty buffer")
	}
	if buf[0] == 0 {
		return BusFrame{}, 1, false, nil
	}
	if len(buf) < HeaderSize {
		return BusFrame{}, 0, false, fmt.Errorf("frame: short header, need %d bytes got %d", HeaderSize, len(buf))
	}
	id := Kind(buf[0])
	payloadSize := buf[1]
	if int(payloadSize) > PayloadSize {
		return BusFrame{}, 0, false, fmt.Errorf("frame: payload size %d exceeds capacity", payloadSize)
	}
	total := HeaderSize + int(payloadSize)
	if len(buf) < total {
		return BusFrame{}, 0, false, fmt.Errorf("frame: short payload, need %d bytes got %d", total, len(buf))
	}
	out := BusFrame{Id: id, PayloadSize: payloadSize}
	copy(out.Payload[:], buf[HeaderSize:total])
	return out, total, true, nil
}

// CANFrame is the payload of a KindCAN BusFrame: {canId, length, data}.
type CANFrame struct {
	CanId   uint16
	Length  uint8
	Payload [MaxCANPayload]byte
}

// ValidFDLengths are the CAN-FD frame lengths the drive's controller
// accepts. NewCANFrame does not enforce them: it accepts any length up
// to MaxCANPayload.
var ValidFDLengths = [...]uint8{0, 8, 12, 16, 20, 24, 32, 48, 64}

func IsValidFDLength(n uint8) bool {
	for _, l := range ValidFDLengths {
		if l == n {
			return true
		}
	}
	return false
}

func NewCANFrame(canId uint16, data []byte) (CANFrame, error) {
	if len(data) > MaxCANPayload {
		return CANFrame{}, fmt.Errorf("frame: CAN payload of %d bytes exceeds %d", len(data), MaxCANPayload)
	}
	f := CANFrame{CanId: canId, Length: uint8(len(data))}
	copy(f.Payload[:], data)
	return f, nil
}

func (f CANFrame) Data() []byte {
	return f.Payload[:f.Length]
}

// ToBusFrame packs the CANFrame into a BusFrame of KindCAN.
func (f CANFrame) ToBusFrame() BusFrame {
	payload := make([]byte, 3+f.Length)
	binary.LittleEndian.PutUint16(payload[0:2], f.CanId)
	payload[2] = f.Length
	copy(payload[3:], f.Payload[:f.Length])
	bf, _ := NewBusFrame(KindCAN, payload)
	return bf
}

// CANFrameFromBusFrame unpacks a KindCAN BusFrame back into a CANFrame.
func CANFrameFromBusFrame(bf BusFrame) (CANFrame, error) {
	if bf.Id != KindCAN {
		return CANFrame{}, fmt.Errorf("frame: expected kind %s, got %s", KindCAN, bf.Id)
	}
	if bf.PayloadSize < 3 {
		return CANFrame{}, fmt.Errorf("frame: CAN payload too short: %d bytes", bf.PayloadSize)
	}
	canId := binary.LittleEndian.Uint16(bf.Payload[0:2])
	length := bf.Payload[2]
	if int(length) > MaxCANPayload || uint8(bf.PayloadSize) < 3+length {
		return CANFrame{}, fmt.Errorf("frame: inconsistent CAN length %d in %d byte payload", length, bf.PayloadSize)
	}
	f := CANFrame{CanId: canId, Length: length}
	copy(f.Payload[:], bf.Payload[3:3+length])
	return f, nil
}

// StatusFrame reports bridge-side FIFO occupancy and bus error state,
// sent unsolicited as a KindStatus BusFrame.
type StatusFrame struct {
	RxAvgPercent  uint8
	RxPeakPercent uint8
	TxAvgPercent  uint8
	TxPeakPercent uint8
	BusState      uint8
}

func (s StatusFrame) ToBusFrame() BusFrame {
	payload := []byte{s.RxAvgPercent, s.RxPeakPercent, s.TxAvgPercent, s.TxPeakPercent, s.BusState}
	bf, _ := NewBusFrame(KindStatus, payload)
	return bf
}

func StatusFromBusFrame(bf BusFrame) (StatusFrame, error) {
	if bf.Id != KindStatus {
		return StatusFrame{}, fmt.Errorf("frame: expected kind %s, got %s", KindStatus, bf.Id)
	}
	if bf.PayloadSize < 5 {
		return StatusFrame{}, fmt.Errorf("frame: status payload too short: %d bytes", bf.PayloadSize)
	}
	p := bf.Payload
	return StatusFrame{
		RxAvgPercent:  p[0],
		RxPeakPercent: p[1],
		TxAvgPercent:  p[2],
		TxPeakPercent: p[3],
		BusState:      p[4],
	}, nil
}

// Settings configures the bridge's CAN-FD bus parameters, sent as a
// KindConfig BusFrame.
type Settings struct {
	Baudrate      uint32
	FdFormat      uint32
	BitRateSwitch uint32
}

func (s Settings) ToBusFrame() BusFrame {
	payload := make([]byte, 12)
	binary.LittleEndian.PutUint32(payload[0:4], s.Baudrate)
	binary.LittleEndian.PutUint32(payload[4:8], s.FdFormat)
	binary.LittleEndian.PutUint32(payload[8:12], s.BitRateSwitch)
	bf, _ := NewBusFrame(KindConfig, payload)
	return bf
}

func SettingsFromBusFrame(bf BusFrame) (Settings, error) {
	if bf.Id != KindConfig {
		return Settings{}, fmt.Errorf("frame: expected kind %s, got %s", KindConfig, bf.Id)
	}
	if bf.PayloadSize < 12 {
		return Settings{}, fmt.Errorf("frame: config payload too short: %d bytes", bf.PayloadSize)
	}
	return Settings{
		Baudrate:      binary.LittleEndian.Uint32(bf.Payload[0:4]),
		FdFormat:      binary.LittleEndian.Uint32(bf.Payload[4:8]),
		BitRateSwitch: binary.LittleEndian.Uint32(bf.Payload[8:12]),
	}, nil
}

// BootloaderFrame carries a bootloader command: {command, 0xAA, 0xAA, data...}.
type BootloaderFrame struct {
	Command uint8
	Data    []byte
}

func (b BootloaderFrame) ToBusFrame(kind Kind) (BusFrame, error) {
	if !kind.IsBootloader() {
		return BusFrame{}, fmt.Errorf("frame: kind %s is not a bootloader kind", kind)
	}
	payload := append([]byte{b.Command, 0xAA, 0xAA}, b.Data...)
	return NewBusFrame(kind, payload)
}

func BootloaderFromBusFrame(bf BusFrame) (BootloaderFrame, error) {
	if !bf.Id.IsBootloader() {
		return BootloaderFrame{}, fmt.Errorf("frame: kind %s is not a bootloader kind", bf.Id)
	}
	if bf.PayloadSize < 3 {
		return BootloaderFrame{}, fmt.Errorf("frame: bootloader payload too short: %d bytes", bf.PayloadSize)
	}
	data := make([]byte, bf.PayloadSize-3)
	copy(data, bf.Payload[3:bf.PayloadSize])
	return BootloaderFrame{Command: bf.Payload[0], Data: data}, nil
}
