// Package register implements the MD/PDS register protocol, the simpler
// parallel surface that runs alongside the CANopen stack over the same
// bridge transport, per spec.md §4.6.
package register

import (
	"encoding/binary"

	"mdlink/pkg/bridge"
	"mdlink/pkg/status"
)

// ID is a compile-time register identifier in the MD register table.
type ID uint16

// Well-known registers used by loader preamble and device identity
// reads, per spec.md §4.6/§4.7.
const (
	RegisterReset          ID = 0x0001
	RegisterEnterBootloader ID = 0x0002
	RegisterFirmwareVersion ID = 0x0003
	RegisterSerialNumber    ID = 0x0004
)

// Kind names a register's fixed wire type.
type Kind uint8

const (
	KindUint8 Kind = iota
	KindUint16
	KindUint32
	KindFloat32
)

func (k Kind) size() int {
	switch k {
	case KindUint8:
		return 1
	case KindUint16:
		return 2
	case KindUint32, KindFloat32:
		return 4
	default:
		return 0
	}
}

// Def describes one register's compile-time shape: its id and its fixed
// primitive type.
type Def struct {
	ID   ID
	Kind Kind
}

const (
	opRead  = 0x00
	opWrite = 0x01
)

// Client reads and writes MD registers over a bridge.Client's
// transferCanFrame round-trip, independent of the object dictionary.
type Client struct {
	bridge *bridge.Client
}

func NewClient(b *bridge.Client) *Client {
	return &Client{bridge: b}
}

// ReadUint32 issues a read of def against driveId and decodes the reply
// as a little-endian uint32. def.Kind must be KindUint32.
func (c *Client) ReadUint32(driveId uint8, def Def, timeoutMs int) (uint32, *status.Error) {
	if def.Kind != KindUint32 {
		return 0, status.New(status.TypeMismatch, "register is not a uint32")
	}
	data, err := c.read(driveId, def, timeoutMs)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// ReadUint16 issues a read of def against driveId and decodes the reply
// as a little-endian uint16. def.Kind must be KindUint16.
func (c *Client) ReadUint16(driveId uint8, def Def, timeoutMs int) (uint16, *status.Error) {
	if def.Kind != KindUint16 {
		return 0, status.New(status.TypeMismatch, "register is not a uint16")
	}
	data, err := c.read(driveId, def, timeoutMs)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(data), nil
}

// ReadUint8 issues a read of def against driveId, decoding one byte.
func (c *Client) ReadUint8(driveId uint8, def Def, timeoutMs int) (uint8, *status.Error) {
	if def.Kind != KindUint8 {
		return 0, status.New(status.TypeMismatch, "register is not a uint8")
	}
	data, err := c.read(driveId, def, timeoutMs)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

// WriteUint32 issues a write of value to def against driveId.
func (c *Client) WriteUint32(driveId uint8, def Def, value uint32, timeoutMs int) *status.Error {
	if def.Kind != KindUint32 {
		return status.New(status.TypeMismatch, "register is not a uint32")
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	return c.write(driveId, def, buf, timeoutMs)
}

// WriteUint8 issues a write of value to def against driveId, always
// carrying one value byte; Trigger sends commands with no value bytes.
func (c *Client) WriteUint8(driveId uint8, def Def, value uint8, timeoutMs int) *status.Error {
	if def.Kind != KindUint8 {
		return status.New(status.TypeMismatch, "register is not a uint8")
	}
	return c.write(driveId, def, []byte{value}, timeoutMs)
}

// Trigger sends a write of a zero-length-payload command register such
// as reset or enter-bootloader, which carry no value bytes.
func (c *Client) Trigger(driveId uint8, def Def, timeoutMs int) *status.Error {
	return c.write(driveId, def, nil, timeoutMs)
}

// read builds the device-specific request frame (register id + no value
// bytes) and returns the value bytes of the response, which echoes the
// same register id per spec.md §4.6.
func (c *Client) read(driveId uint8, def Def, timeoutMs int) ([]byte, *status.Error) {
	req := requestFrame(opRead, def.ID, nil)
	resp, err := c.bridge.TransferCanFrame(canId(driveId), req, 2+def.Kind.size(), timeoutMs)
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 || ID(binary.LittleEndian.Uint16(resp[0:2])) != def.ID {
		return nil, status.New(status.BadResponse, "register reply echoed wrong id")
	}
	size := def.Kind.size()
	if size == 0 || len(resp) < 2+size {
		return nil, status.New(status.BadResponse, "register reply payload too short")
	}
	return resp[2 : 2+size], nil
}

func (c *Client) write(driveId uint8, def Def, value []byte, timeoutMs int) *status.Error {
	req := requestFrame(opWrite, def.ID, value)
	resp, err := c.bridge.TransferCanFrame(canId(driveId), req, 2, timeoutMs)
	if err != nil {
		return err
	}
	if len(resp) < 2 || ID(binary.LittleEndian.Uint16(resp[0:2])) != def.ID {
		return status.New(status.BadResponse, "register ack echoed wrong id")
	}
	return nil
}

// canId is the CANopen id carrying a register request; the response is
// matched by bridge.Client.TransferCanFrame's canId+0x80 mask, per the
// open question decision in spec.md §9.
func canId(driveId uint8) uint16 {
	return 0x700 + uint16(driveId)
}

// requestFrame builds {op:u8, idLo, idHi, value...}.
func requestFrame(op uint8, id ID, value []byte) []byte {
	buf := make([]byte, 3, 3+len(value))
	buf[0] = op
	binary.LittleEndian.PutUint16(buf[1:3], uint16(id))
	return append(buf, value...)
}
