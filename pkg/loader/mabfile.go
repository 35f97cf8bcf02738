// Package loader implements the firmware flashing state machines for MD
// drives (over CAN) and CANdle (over USB), plus the shared .mab firmware
// file format, per spec.md §4.7.
package loader

import (
	"encoding/hex"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"mdlink/pkg/status"
)

// MinBootAddress is the lowest valid flash boot address, per spec.md
// §4.7's validation rule.
const MinBootAddress uint32 = 0x08000000

// Firmware is a parsed .mab file: an INI document with one [firmware]
// section naming the target tag, boot address, version, checksum, IV
// and the firmware binary itself.
type Firmware struct {
	Tag      string
	Size     uint32
	Start    uint32
	Version  string
	Checksum []byte // SHA-256, 32 bytes
	IV       []byte // 16 bytes
	Binary   []byte
}

// ParseMabFile reads source (a path, []byte, or io.Reader per ini.Load's
// own conventions) and builds a Firmware, grounded on pkg/od/parser.go's
// use of gopkg.in/ini.v1 for the sibling EDS text format.
func ParseMabFile(source any) (*Firmware, *status.Error) {
	cfg, err := ini.Load(source)
	if err != nil {
		return nil, status.NewLoaderf(status.LoaderKindFirmware, "parse .mab file: %v", err)
	}
	section, err := cfg.GetSection("firmware")
	if err != nil {
		return nil, status.NewLoader(status.LoaderKindFirmware, ".mab file missing [firmware] section")
	}

	fw := &Firmware{
		Tag:     section.Key("tag").String(),
		Version: section.Key("version").String(),
	}

	size, err := strconv.ParseUint(section.Key("size").String(), 10, 32)
	if err != nil {
		return nil, status.NewLoaderf(status.LoaderKindFirmware, "invalid size: %v", err)
	}
	fw.Size = uint32(size)

	start, err := parseHexField(section.Key("start").String())
	if err != nil {
		return nil, status.NewLoaderf(status.LoaderKindFirmware, "invalid start address: %v", err)
	}
	fw.Start = start

	fw.Checksum, err = decodeHex(section.Key("checksum").String())
	if err != nil {
		return nil, status.NewLoaderf(status.LoaderKindFirmware, "invalid checksum: %v", err)
	}
	fw.IV, err = decodeHex(section.Key("iv").String())
	if err != nil {
		return nil, status.NewLoaderf(status.LoaderKindFirmware, "invalid iv: %v", err)
	}
	fw.Binary, err = decodeHex(section.Key("binary").String())
	if err != nil {
		return nil, status.NewLoaderf(status.LoaderKindFirmware, "invalid binary: %v", err)
	}

	return fw, nil
}

func parseHexField(raw string) (uint32, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "0x")
	raw = strings.TrimPrefix(raw, "0X")
	n, err := strconv.ParseUint(raw, 16, 32)
	return uint32(n), err
}

func decodeHex(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	return hex.DecodeString(raw)
}

// Validate checks tag against expectedTag and enforces the boot-address
// and size rules of spec.md §4.7.
func (fw *Firmware) Validate(expectedTag string) *status.Error {
	if fw.Tag != expectedTag {
		return status.NewLoaderf(status.LoaderKindFirmware, "firmware tag %q does not match target %q", fw.Tag, expectedTag)
	}
	if fw.Start < MinBootAddress {
		return status.NewLoaderf(status.LoaderKindFirmware, "boot address 0x%08X below minimum 0x%08X", fw.Start, MinBootAddress)
	}
	if fw.Size == 0 {
		return status.NewLoader(status.LoaderKindFirmware, "firmware size must be > 0")
	}
	if int(fw.Size) > len(fw.Binary) {
		return status.NewLoaderf(status.LoaderKindFirmware, "declared size %d exceeds binary region of %d bytes", fw.Size, len(fw.Binary))
	}
	return nil
}

// Pages splits the binary region into pageSize-byte pages, zero-padding
// the final page if it is short.
func (fw *Firmware) Pages(pageSize int) [][]byte {
	data := fw.Binary[:fw.Size]
	var pages [][]byte
	for offset := 0; offset < len(data); offset += pageSize {
		end := offset + pageSize
		if end > len(data) {
			page := make([]byte, pageSize)
			copy(page, data[offset:])
			pages = append(pages, page)
			break
		}
		pages = append(pages, data[offset:end])
	}
	return pages
}
