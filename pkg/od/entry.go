package od

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"

	"mdlink/pkg/status"
)

// Value is a tagged variant over the CiA-301 primitive types: the tag is
// the DataType, the payload is its little-endian wire encoding. This
// replaces the teacher's C++-style visitor-over-variant approach (design
// note §9) with a sum type keyed by the datatype code.
type Value struct {
	Type DataType
	raw  []byte
}

func NewValue(t DataType) Value {
	size := t.Size()
	if size == 0 {
		size = 0
	}
	return Value{Type: t, raw: make([]byte, size)}
}

func (v Value) Bytes() []byte {
	return v.raw
}

// CheckSize reports whether raw's length matches the declared size for
// fixed-length types (the OD invariant that the wire value's byte size
// equals sizeof(dataType)).
func (v Value) CheckSize() bool {
	size := v.Type.Size()
	if size == 0 {
		return true // variable length string/domain types
	}
	return len(v.raw) == size
}

// EncodeFromGeneric builds a Value of the given datatype from a native Go
// value, failing TypeMismatch if v's Go type does not correspond to
// datatype. Mirrors the teacher's EncodeFromGeneric/EncodeFromString
// dispatch in pkg/od/variable.go.
func EncodeFromGeneric(datatype DataType, v any) (Value, *status.Error) {
	buf := make([]byte, datatype.Size())
	switch datatype {
	case Boolean:
		b, ok := v.(bool)
		if !ok {
			return Value{}, status.New(status.TypeMismatch, "expected bool for BOOLEAN")
		}
		if b {
			buf[0] = 1
		}
	case Integer8:
		n, ok := asInt64(v)
		if !ok || n < math.MinInt8 || n > math.MaxInt8 {
			return Value{}, status.New(status.TypeMismatch, "expected int8 for INTEGER8")
		}
		buf[0] = byte(int8(n))
	case Unsigned8:
		n, ok := asUint64(v)
		if !ok || n > math.MaxUint8 {
			return Value{}, status.New(status.TypeMismatch, "expected uint8 for UNSIGNED8")
		}
		buf[0] = byte(n)
	case Integer16:
		n, ok := asInt64(v)
		if !ok || n < math.MinInt16 || n > math.MaxInt16 {
			return Value{}, status.New(status.TypeMismatch, "expected int16 for INTEGER16")
		}
		binary.LittleEndian.PutUint16(buf, uint16(int16(n)))
	case Unsigned16:
		n, ok := asUint64(v)
		if !ok || n > math.MaxUint16 {
			return Value{}, status.New(status.TypeMismatch, "expected uint16 for UNSIGNED16")
		}
		binary.LittleEndian.PutUint16(buf, uint16(n))
	case Integer32:
		n, ok := asInt64(v)
		if !ok || n < math.MinInt32 || n > math.MaxInt32 {
			return Value{}, status.New(status.TypeMismatch, "expected int32 for INTEGER32")
		}
		binary.LittleEndian.PutUint32(buf, uint32(int32(n)))
	case Unsigned32:
		n, ok := asUint64(v)
		if !ok || n > math.MaxUint32 {
			return Value{}, status.New(status.TypeMismatch, "expected uint32 for UNSIGNED32")
		}
		binary.LittleEndian.PutUint32(buf, uint32(n))
	case Integer64:
		n, ok := asInt64(v)
		if !ok {
			return Value{}, status.New(status.TypeMismatch, "expected int64 for INTEGER64")
		}
		binary.LittleEndian.PutUint64(buf, uint64(n))
	case Unsigned64:
		n, ok := asUint64(v)
		if !ok {
			return Value{}, status.New(status.TypeMismatch, "expected uint64 for UNSIGNED64")
		}
		binary.LittleEndian.PutUint64(buf, n)
	case Real32:
		f, ok := v.(float32)
		if !ok {
			return Value{}, status.New(status.TypeMismatch, "expected float32 for REAL32")
		}
		binary.LittleEndian.PutUint32(buf, math.Float32bits(f))
	case Real64:
		f, ok := v.(float64)
		if !ok {
			return Value{}, status.New(status.TypeMismatch, "expected float64 for REAL64")
		}
		binary.LittleEndian.PutUint64(buf, math.Float64bits(f))
	case VisibleString:
		s, ok := v.(string)
		if !ok {
			return Value{}, status.New(status.TypeMismatch, "expected string for VISIBLE_STRING")
		}
		buf = []byte(s)
	case OctetString, Domain:
		b, ok := v.([]byte)
		if !ok {
			return Value{}, status.New(status.TypeMismatch, "expected []byte for OCTET_STRING/DOMAIN")
		}
		buf = append([]byte{}, b...)
	default:
		return Value{}, status.Newf(status.TypeMismatch, "unsupported datatype 0x%02X", uint8(datatype))
	}
	return Value{Type: datatype, raw: buf}, nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

func asUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	default:
		return 0, false
	}
}

// DecodeFromWire parses raw wire bytes into a Value of the given type,
// used when an SDO response or PDO payload delivers bytes for an entry.
func DecodeFromWire(datatype DataType, raw []byte) Value {
	return Value{Type: datatype, raw: append([]byte{}, raw...)}
}

func (v Value) Uint64() (uint64, *status.Error) {
	switch v.Type {
	case Unsigned8:
		return uint64(v.raw[0]), nil
	case Unsigned16:
		return uint64(binary.LittleEndian.Uint16(v.raw)), nil
	case Unsigned32:
		return uint64(binary.LittleEndian.Uint32(v.raw)), nil
	case Unsigned64:
		return binary.LittleEndian.Uint64(v.raw), nil
	default:
		return 0, status.New(status.TypeMismatch, "value is not an unsigned type")
	}
}

func (v Value) Int64() (int64, *status.Error) {
	switch v.Type {
	case Integer8:
		return int64(int8(v.raw[0])), nil
	case Integer16:
		return int64(int16(binary.LittleEndian.Uint16(v.raw))), nil
	case Integer32:
		return int64(int32(binary.LittleEndian.Uint32(v.raw))), nil
	case Integer64:
		return int64(binary.LittleEndian.Uint64(v.raw)), nil
	default:
		return 0, status.New(status.TypeMismatch, "value is not a signed type")
	}
}

func (v Value) Bool() (bool, *status.Error) {
	if v.Type != Boolean {
		return false, status.New(status.TypeMismatch, "value is not BOOLEAN")
	}
	return v.raw[0] != 0, nil
}

func (v Value) Float32() (float32, *status.Error) {
	if v.Type != Real32 {
		return 0, status.New(status.TypeMismatch, "value is not REAL32")
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(v.raw)), nil
}

func (v Value) Float64() (float64, *status.Error) {
	if v.Type != Real64 {
		return 0, status.New(status.TypeMismatch, "value is not REAL64")
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(v.raw)), nil
}

func (v Value) String() string {
	if v.Type == VisibleString {
		return string(v.raw)
	}
	return ""
}

// Numeric returns the value as a float64 for range-limit comparison,
// regardless of which numeric tag it carries.
func (v Value) Numeric() (float64, *status.Error) {
	switch v.Type {
	case Integer8, Integer16, Integer32, Integer64:
		n, err := v.Int64()
		return float64(n), err
	case Unsigned8, Unsigned16, Unsigned32, Unsigned64:
		n, err := v.Uint64()
		return float64(n), err
	case Real32:
		f, err := v.Float32()
		return float64(f), err
	case Real64:
		return v.Float64()
	default:
		return 0, status.New(status.TypeMismatch, "value is not numeric")
	}
}

// ParseValue parses a textual EDS value (decimal, 0x-prefixed hex, or
// true/false for BOOLEAN) into a Value of the given datatype, per §4.4.
func ParseValue(text string, datatype DataType) (Value, *status.Error) {
	text = strings.TrimSpace(text)
	if datatype == Boolean {
		switch strings.ToLower(text) {
		case "true", "1":
			return EncodeFromGeneric(Boolean, true)
		case "false", "0":
			return EncodeFromGeneric(Boolean, false)
		default:
			return Value{}, status.Newf(status.TypeMismatch, "invalid BOOLEAN literal %q", text)
		}
	}
	if datatype == VisibleString {
		return EncodeFromGeneric(VisibleString, text)
	}

	base := 10
	numText := text
	if strings.HasPrefix(text, "0x") || strings.HasPrefix(text, "0X") {
		base = 16
		numText = text[2:]
	}

	switch datatype {
	case Integer8, Integer16, Integer32, Integer64:
		n, err := strconv.ParseInt(numText, base, 64)
		if err != nil {
			return Value{}, status.Newf(status.TypeMismatch, "invalid integer literal %q: %v", text, err)
		}
		return EncodeFromGeneric(datatype, n)
	case Unsigned8, Unsigned16, Unsigned32, Unsigned64:
		n, err := strconv.ParseUint(numText, base, 64)
		if err != nil {
			return Value{}, status.Newf(status.TypeMismatch, "invalid unsigned literal %q: %v", text, err)
		}
		return EncodeFromGeneric(datatype, n)
	case Real32:
		f, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return Value{}, status.Newf(status.TypeMismatch, "invalid float literal %q: %v", text, err)
		}
		return EncodeFromGeneric(datatype, float32(f))
	case Real64:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Value{}, status.Newf(status.TypeMismatch, "invalid float literal %q: %v", text, err)
		}
		return EncodeFromGeneric(datatype, f)
	default:
		return Value{}, status.Newf(status.TypeMismatch, "unsupported datatype for text parsing: 0x%02X", uint8(datatype))
	}
}

// FormatValue renders a Value back to the textual form ParseValue
// accepts, used by the "parseValue(format(E.value), E.dataType) ==
// E.value" invariant.
func FormatValue(v Value) string {
	switch v.Type {
	case Boolean:
		b, _ := v.Bool()
		return strconv.FormatBool(b)
	case VisibleString:
		return v.String()
	case Integer8, Integer16, Integer32, Integer64:
		n, _ := v.Int64()
		return strconv.FormatInt(n, 10)
	case Unsigned8, Unsigned16, Unsigned32, Unsigned64:
		n, _ := v.Uint64()
		return strconv.FormatUint(n, 10)
	case Real32:
		f, _ := v.Float32()
		return strconv.FormatFloat(float64(f), 'g', -1, 32)
	case Real64:
		f, _ := v.Float64()
		return strconv.FormatFloat(f, 'g', -1, 64)
	default:
		return ""
	}
}

// Entry is one object dictionary entry: a VAR carries its value directly
// (treated as subindex 0); ARRAY/REC entries carry a sub-entries map
// keyed by subindex.
type Entry struct {
	Index         uint16
	ParameterName string
	ObjectType    ObjectType
	DataType      DataType
	AccessType    AccessType
	PDOMapping    PDOMapping
	Value         Value
	LowLimit      *Value
	HighLimit     *Value

	Sub map[uint8]*Entry
}

// HighestSubindex returns the number of stored subentries minus one, the
// OD invariant for ARRAY/REC entries.
func (e *Entry) HighestSubindex() uint8 {
	if len(e.Sub) == 0 {
		return 0
	}
	return uint8(len(e.Sub) - 1)
}

// CheckWrite validates a candidate value against this entry's tag and
// limits before any wire traffic is sent, per spec.md §4.5's "Tie-breaks
// and edge cases".
func (e *Entry) CheckWrite(v Value) *status.Error {
	if v.Type != e.DataType {
		return status.Newf(status.TypeMismatch, "entry 0x%04X expects %s, got %s", e.Index, e.DataType, v.Type)
	}
	if e.LowLimit != nil || e.HighLimit != nil {
		n, err := v.Numeric()
		if err != nil {
			return err
		}
		if e.LowLimit != nil {
			lo, _ := e.LowLimit.Numeric()
			if n < lo {
				return status.Newf(status.LimitExceeded, "value %v below low limit %v", n, lo)
			}
		}
		if e.HighLimit != nil {
			hi, _ := e.HighLimit.Numeric()
			if n > hi {
				return status.Newf(status.LimitExceeded, "value %v above high limit %v", n, hi)
			}
		}
	}
	return nil
}
