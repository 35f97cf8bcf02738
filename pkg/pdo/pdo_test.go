package pdo_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdlink/pkg/frame"
	"mdlink/pkg/od"
	"mdlink/pkg/pdo"
	"mdlink/pkg/status"
)

type recordingWriter struct {
	writes []write
}

type write struct {
	index    uint16
	subindex uint8
	value    od.Value
}

func (w *recordingWriter) Write(driveId uint8, index uint16, subindex uint8, value od.Value, timeoutMs int) *status.Error {
	w.writes = append(w.writes, write{index, subindex, value})
	return nil
}

func newDictWithFields() *od.ObjectDictionary {
	dict := od.NewObjectDictionary()
	e1 := &od.Entry{Index: 0x6064, DataType: od.Integer32, AccessType: od.AccessRW}
	e2 := &od.Entry{Index: 0x606C, DataType: od.Integer32, AccessType: od.AccessRW}
	dict.Add(e1)
	dict.Add(e2)
	return dict
}

func TestSetupPDOWritesExpectedSequence(t *testing.T) {
	dict := newDictWithFields()
	w := &recordingWriter{}

	fields := []pdo.FieldRef{{Index: 0x6064, Subindex: 0}, {Index: 0x606C, Subindex: 0}}
	m, err := pdo.SetupPDO(w, dict, 5, pdo.TPDO1, fields, 50)
	require.Nil(t, err)

	assert.Equal(t, uint16(0x185), m.COBID)
	assert.Equal(t, 64, m.TotalBits())
	// disable, transmission type, clear count, 2 mapping words, final count, enable = 7 writes
	assert.Len(t, w.writes, 7)
	assert.Equal(t, uint8(0x01), w.writes[0].subindex)
	assert.Equal(t, uint8(0x01), w.writes[len(w.writes)-1].subindex)
}

func TestTPDODispatchUpdatesOD(t *testing.T) {
	dict := newDictWithFields()
	registry := pdo.NewRegistry()
	m := &pdo.Mapping{
		Selector: pdo.TPDO1,
		COBID:    0x185,
		Fields:   []pdo.FieldRef{{Index: 0x6064, Subindex: 0}, {Index: 0x606C, Subindex: 0}},
		BitSizes: []uint8{32, 32},
	}
	registry.Register(5, m)

	payload := []byte{0x10, 0, 0, 0, 0x20, 0, 0, 0}
	cf, err := frame.NewCANFrame(0x185, payload)
	require.NoError(t, err)

	dicts := map[uint8]*od.ObjectDictionary{5: dict}
	pdo.Dispatch(registry, dicts, cf)

	v, rerr := dict.Read(0x6064, 0)
	require.Nil(t, rerr)
	n, _ := v.Int64()
	assert.Equal(t, int64(16), n)

	v2, rerr := dict.Read(0x606C, 0)
	require.Nil(t, rerr)
	n2, _ := v2.Int64()
	assert.Equal(t, int64(32), n2)
}

func TestTPDODispatchUnknownCOBIDIsNoop(t *testing.T) {
	registry := pdo.NewRegistry()
	dicts := map[uint8]*od.ObjectDictionary{}
	cf, _ := frame.NewCANFrame(0x999, []byte{1, 2, 3, 4})
	pdo.Dispatch(registry, dicts, cf) // must not panic
}
