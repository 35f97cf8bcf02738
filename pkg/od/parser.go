package od

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"mdlink/pkg/status"
)

var objectListSections = []string{"MandatoryObjects", "OptionalObjects", "ManufacturerObjects"}

// Parse reads an EDS text file (a flat INI-shaped document) and builds
// an ObjectDictionary, per §4.4. source follows ini.Load's own source
// conventions (file path, []byte, or io.Reader). Grounded on the
// teacher's pkg/od/parser_v1.go, which is the one parser in the pack
// using the real gopkg.in/ini.v1 dependency rather than a hand-rolled
// scanner.
func Parse(source any) (*ObjectDictionary, *status.Error) {
	cfg, err := ini.Load(source)
	if err != nil {
		return nil, status.Newf(status.InitializationError, "parse EDS: %v", err)
	}

	indices, perr := collectDeclaredIndices(cfg)
	if perr != nil {
		return nil, perr
	}

	dict := NewObjectDictionary()
	for _, idx := range indices {
		section, err := cfg.GetSection(fmt.Sprintf("%04X", idx))
		if err != nil {
			return nil, status.Newf(status.InitializationError, "index 0x%04X declared but section missing", idx)
		}
		entry, perr := parseEntry(idx, section)
		if perr != nil {
			return nil, perr
		}

		if entry.ObjectType == ObjArray || entry.ObjectType == ObjRecord {
			for sub := 0; ; sub++ {
				subSection, serr := cfg.GetSection(fmt.Sprintf("%04Xsub%d", idx, sub))
				if serr != nil {
					break
				}
				subEntry, perr := parseEntry(idx, subSection)
				if perr != nil {
					return nil, perr
				}
				if entry.Sub == nil {
					entry.Sub = make(map[uint8]*Entry)
				}
				entry.Sub[uint8(sub)] = subEntry
			}
		}

		dict.Add(entry)
	}

	return dict, nil
}

func collectDeclaredIndices(cfg *ini.File) ([]uint16, *status.Error) {
	seen := make(map[uint16]bool)
	var out []uint16

	for _, listName := range objectListSections {
		section, err := cfg.GetSection(listName)
		if err != nil {
			continue // not every EDS declares all three lists
		}
		n, _ := section.Key("SupportedObjects").Int()
		for i := 1; i <= n; i++ {
			raw := section.Key(strconv.Itoa(i)).String()
			idx, perr := parseIndexLiteral(raw)
			if perr != nil {
				return nil, perr
			}
			if !seen[idx] {
				seen[idx] = true
				out = append(out, idx)
			}
		}
	}
	return out, nil
}

func parseIndexLiteral(raw string) (uint16, *status.Error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "0x")
	raw = strings.TrimPrefix(raw, "0X")
	n, err := strconv.ParseUint(raw, 16, 16)
	if err != nil {
		return 0, status.Newf(status.InitializationError, "parse error: invalid index literal %q", raw)
	}
	return uint16(n), nil
}

func parseEntry(index uint16, section *ini.Section) (*Entry, *status.Error) {
	e := &Entry{
		Index:         index,
		ParameterName: section.Key("ParameterName").String(),
	}

	objType, _ := section.Key("ObjectType").Int()
	e.ObjectType = ObjectType(objType)
	if objType == 0 {
		e.ObjectType = ObjVar // EDS omits ObjectType for plain VARs in some dialects
	}

	dataType, _ := strconv.ParseUint(strings.TrimPrefix(section.Key("DataType").String(), "0x"), 16, 8)
	dt := DataType(dataType)
	if !dt.IsKnown() {
		// Unknown DataType resolves to UNSIGNED8 so malformed entries
		// don't crash the parser; callers see a later tag mismatch.
		dt = Unsigned8
	}
	e.DataType = dt

	accessStr := strings.ToLower(strings.TrimSpace(section.Key("AccessType").String()))
	access, ok := ParseAccessType(accessStr)
	if !ok {
		access = AccessNone
	}
	e.AccessType = access

	e.PDOMapping = ParsePDOMapping(strings.TrimSpace(section.Key("PDOMapping").String()))

	if def := section.Key("DefaultValue").String(); def != "" {
		v, perr := ParseValue(def, dt)
		if perr != nil {
			return nil, status.Newf(status.InitializationError, "parse error: index 0x%04X DefaultValue: %v", index, perr)
		}
		e.Value = v
	} else {
		e.Value = NewValue(dt)
	}

	if lo := section.Key("LowLimit").String(); lo != "" {
		v, perr := ParseValue(lo, dt)
		if perr == nil {
			e.LowLimit = &v
		}
	}
	if hi := section.Key("HighLimit").String(); hi != "" {
		v, perr := ParseValue(hi, dt)
		if perr == nil {
			e.HighLimit = &v
		}
	}

	return e, nil
}

var recognisedAccessTypes = map[string]bool{"ro": true, "wo": true, "rw": true, "rww": true, "rwr": true, "const": true}

// Validate checks the required-sections/mandatory-indices/type-range
// rules from §4.4's validator.
func Validate(dict *ObjectDictionary) *status.Error {
	for _, mandatory := range []uint16{IndexDeviceType, IndexErrorRegister, IndexIdentity} {
		if _, ok := dict.Entry(mandatory); !ok {
			return status.Newf(status.InitializationError, "mandatory index 0x%04X not declared", mandatory)
		}
	}
	for _, idx := range dict.Indices() {
		e, _ := dict.Entry(idx)
		if !e.DataType.IsKnown() {
			return status.Newf(status.InitializationError, "index 0x%04X has unrecognised datatype", idx)
		}
	}
	return nil
}
