package pdo

import (
	"mdlink/pkg/od"
	"mdlink/pkg/sdo"
	"mdlink/pkg/status"
)

// sdoWriter is the subset of *sdo.Client the configurator needs, kept as
// an interface so tests can substitute a fake.
type sdoWriter interface {
	Write(driveId uint8, index uint16, subindex uint8, value od.Value, timeoutMs int) *status.Error
}

var _ sdoWriter = (*sdo.Client)(nil)

// SetupPDO configures one PDO on driveId to map fields, in order, per
// the 6-step algorithm of §4.5. dict supplies each field's dataType size;
// client carries the writes to the device over SDO.
func SetupPDO(client sdoWriter, dict *od.ObjectDictionary, driveId uint8, selector Selector, fields []FieldRef, timeoutMs int) (*Mapping, *status.Error) {
	cobid := selector.COBID(driveId)
	commIdx := selector.commIndex()
	mapIdx := selector.mapIndex()

	// Step 1: disable the PDO (bit 31 set).
	disableCobid, _ := od.EncodeFromGeneric(od.Unsigned32, uint32(0x80000000|uint32(cobid)))
	if err := client.Write(driveId, commIdx, 0x01, disableCobid, timeoutMs); err != nil {
		return nil, err
	}

	// Step 2: transmission type 1 (synchronous, every SYNC).
	transmissionType := od.NewValue(od.Unsigned8)
	transmissionType, _ = od.EncodeFromGeneric(od.Unsigned8, uint8(1))
	if err := client.Write(driveId, commIdx, 0x02, transmissionType, timeoutMs); err != nil {
		return nil, err
	}

	// Step 3: clear mapped-object count.
	zeroCount, _ := od.EncodeFromGeneric(od.Unsigned8, uint8(0))
	if err := client.Write(driveId, mapIdx, 0x00, zeroCount, timeoutMs); err != nil {
		return nil, err
	}

	// Step 4: write each mapping word.
	bitSizes := make([]uint8, 0, len(fields))
	for i, f := range fields {
		entry, lerr := dict.Lookup(f.Index, f.Subindex)
		if lerr != nil {
			return nil, lerr
		}
		bitSize := uint8(entry.DataType.Size() * 8)
		bitSizes = append(bitSizes, bitSize)

		word := encodeMappingWord(f.Index, f.Subindex, bitSize)
		wordValue, _ := od.EncodeFromGeneric(od.Unsigned32, word)
		if err := client.Write(driveId, mapIdx, uint8(i+1), wordValue, timeoutMs); err != nil {
			return nil, err
		}
	}

	// Step 5: write the final count.
	countValue, _ := od.EncodeFromGeneric(od.Unsigned8, uint8(len(fields)))
	if err := client.Write(driveId, mapIdx, 0x00, countValue, timeoutMs); err != nil {
		return nil, err
	}

	// Step 6: re-enable (bit 31 clear).
	enableCobid, _ := od.EncodeFromGeneric(od.Unsigned32, uint32(cobid))
	if err := client.Write(driveId, commIdx, 0x01, enableCobid, timeoutMs); err != nil {
		return nil, err
	}

	return &Mapping{
		Selector:         selector,
		COBID:            cobid,
		TransmissionType: 1,
		Fields:           fields,
		BitSizes:         bitSizes,
	}, nil
}
