// Package pdo implements PDO mapping setup, TPDO dispatch, RPDO transmit
// and their shared COBID/mapping-word encoding, per spec.md §4.5.
package pdo

import (
	"mdlink/pkg/od"
	"mdlink/pkg/status"
)

// Selector names one of the 8 configurable PDOs on a drive.
type Selector uint8

const (
	RPDO1 Selector = iota
	RPDO2
	RPDO3
	RPDO4
	TPDO1
	TPDO2
	TPDO3
	TPDO4
)

func (s Selector) IsRPDO() bool {
	return s <= RPDO4
}

// offset returns the PDO's 0-based slot number within its RPDO/TPDO
// group (PDO1 -> 0, PDO2 -> 1, ...).
func (s Selector) offset() uint16 {
	if s.IsRPDO() {
		return uint16(s - RPDO1)
	}
	return uint16(s - TPDO1)
}

// Standard CiA-301 communication/mapping parameter index bases.
const (
	rpdoCommBase = 0x1400
	rpdoMapBase  = 0x1600
	tpdoCommBase = 0x1800
	tpdoMapBase  = 0x1A00
)

func (s Selector) commIndex() uint16 {
	if s.IsRPDO() {
		return rpdoCommBase + s.offset()
	}
	return tpdoCommBase + s.offset()
}

func (s Selector) mapIndex() uint16 {
	if s.IsRPDO() {
		return rpdoMapBase + s.offset()
	}
	return tpdoMapBase + s.offset()
}

// COBID computes the PDO's CAN identifier for driveId, per §3:
// 0x200 + 0x100*n for RPDOn, 0x180 + 0x100*n for TPDOn (n = selector
// offset, 0-based here vs. 1-based in spec.md's "n-1" notation).
func (s Selector) COBID(driveId uint8) uint16 {
	base := uint16(0x200)
	if !s.IsRPDO() {
		base = 0x180
	}
	return base + 0x100*s.offset() + uint16(driveId)
}

// FieldRef names one mapped OD entry within a PDO, in declaration order.
type FieldRef struct {
	Index    uint16
	Subindex uint8
}

// Mapping is the resolved configuration of one PDO: its COBID,
// transmission type, and ordered mapped fields with their bit sizes.
type Mapping struct {
	Selector         Selector
	COBID            uint16
	TransmissionType uint8
	Fields           []FieldRef
	BitSizes         []uint8
}

// TotalBits sums the configured fields' bit widths.
func (m *Mapping) TotalBits() int {
	total := 0
	for _, b := range m.BitSizes {
		total += int(b)
	}
	return total
}

// encodeMappingWord builds the (index<<16)|(subindex<<8)|bitSize mapping
// word written to subindex i>=1 of the mapping parameter, per §4.5 step 4.
func encodeMappingWord(index uint16, subindex uint8, bitSize uint8) uint32 {
	return uint32(index)<<16 | uint32(subindex)<<8 | uint32(bitSize)
}

func decodeMappingWord(word uint32) (index uint16, subindex uint8, bitSize uint8) {
	return uint16(word >> 16), uint8(word >> 8), uint8(word)
}

// packFields serialises field values read from dict into frame payload
// bytes in declaration order, little-endian, for RPDO transmit.
func packFields(dict *od.ObjectDictionary, fields []FieldRef) ([]byte, *status.Error) {
	var out []byte
	for _, f := range fields {
		v, err := dict.Read(f.Index, f.Subindex)
		if err != nil {
			return nil, err
		}
		out = append(out, v.Bytes()...)
	}
	return out, nil
}

// unpackFields writes payload bytes into dict's mapped entries in
// declaration order, each consuming sizeof(dataType) bytes, for TPDO
// dispatch.
func unpackFields(dict *od.ObjectDictionary, fields []FieldRef, payload []byte) *status.Error {
	offset := 0
	for _, f := range fields {
		entry, err := dict.Lookup(f.Index, f.Subindex)
		if err != nil {
			return err
		}
		size := entry.DataType.Size()
		if size == 0 || offset+size > len(payload) {
			return status.New(status.BadResponse, "pdo payload too short for mapped fields")
		}
		v := od.DecodeFromWire(entry.DataType, payload[offset:offset+size])
		if werr := dict.Write(f.Index, f.Subindex, v); werr != nil {
			return werr
		}
		offset += size
	}
	return nil
}
