package od

import (
	"sync"

	"mdlink/pkg/status"
)

// ObjectDictionary is the in-memory (index, subindex) -> Entry store for
// one drive, built by the EDS parser (§4.4).
type ObjectDictionary struct {
	mu      sync.RWMutex
	entries map[uint16]*Entry
}

func NewObjectDictionary() *ObjectDictionary {
	return &ObjectDictionary{entries: make(map[uint16]*Entry)}
}

// Add registers an entry at its index, overwriting any previous entry at
// the same index.
func (od *ObjectDictionary) Add(e *Entry) {
	od.mu.Lock()
	defer od.mu.Unlock()
	od.entries[e.Index] = e
}

// Entry looks up the top-level Entry at index.
func (od *ObjectDictionary) Entry(index uint16) (*Entry, bool) {
	od.mu.RLock()
	defer od.mu.RUnlock()
	e, ok := od.entries[index]
	return e, ok
}

// Lookup resolves (index, subindex) to the specific sub-entry for
// ARRAY/REC objects, or the entry itself (treated as subindex 0) for VAR
// objects.
func (od *ObjectDictionary) Lookup(index uint16, subindex uint8) (*Entry, *status.Error) {
	od.mu.RLock()
	defer od.mu.RUnlock()

	e, ok := od.entries[index]
	if !ok {
		return nil, status.Newf(status.UnknownObject, "index 0x%04X not found", index)
	}
	if e.ObjectType == ObjArray || e.ObjectType == ObjRecord {
		if subindex == 0 {
			if sub, ok := e.Sub[0]; ok {
				return sub, nil // highest-subindex VAR at sub0
			}
			return e, nil // no stored sub0 entry: the container stands in
		}
		sub, ok := e.Sub[subindex]
		if !ok {
			return nil, status.Newf(status.UnknownObject, "index 0x%04X sub%d not found", index, subindex)
		}
		return sub, nil
	}
	if subindex != 0 {
		return nil, status.Newf(status.UnknownObject, "index 0x%04X is VAR, sub%d invalid", index, subindex)
	}
	return e, nil
}

// Read returns the current cached value at (index, subindex).
func (od *ObjectDictionary) Read(index uint16, subindex uint8) (Value, *status.Error) {
	e, err := od.Lookup(index, subindex)
	if err != nil {
		return Value{}, err
	}
	od.mu.RLock()
	defer od.mu.RUnlock()
	return e.Value, nil
}

// Write validates and stores v at (index, subindex), failing before any
// wire traffic per the OD's type/limit invariants.
func (od *ObjectDictionary) Write(index uint16, subindex uint8, v Value) *status.Error {
	e, err := od.Lookup(index, subindex)
	if err != nil {
		return err
	}
	od.mu.Lock()
	defer od.mu.Unlock()
	if werr := e.CheckWrite(v); werr != nil {
		return werr
	}
	e.Value = v
	return nil
}

// Indices returns all declared top-level indices, sorted by the caller if
// needed.
func (od *ObjectDictionary) Indices() []uint16 {
	od.mu.RLock()
	defer od.mu.RUnlock()
	out := make([]uint16, 0, len(od.entries))
	for idx := range od.entries {
		out = append(out, idx)
	}
	return out
}
