// Package emergency decodes CANopen EMCY frames and reports them to the
// log, per spec.md §4.5. Emergency frames never complete an SDO transfer.
package emergency

import (
	log "github.com/sirupsen/logrus"

	"mdlink/pkg/frame"
)

var emcyLog = log.WithField("service", "emergency")

const (
	rangeBase = 0x080
	rangeSize = 31
)

// InRange reports whether canId falls in the EMCY CAN-ID window named by
// spec.md §4.5: [0x080, 0x080+31).
func InRange(canId uint16) bool {
	return canId >= rangeBase && canId < rangeBase+rangeSize
}

// Event is a decoded emergency report.
type Event struct {
	DriveId      uint8
	ErrorCode    uint16
	ErrorIndex   uint16
	VendorData   [4]byte
}

// commonErrorDescriptions names the CiA-301 generic error code families,
// used only to make the log line legible.
var commonErrorDescriptions = map[uint16]string{
	0x0000: "no error",
	0x1000: "generic error",
	0x2000: "current",
	0x3000: "voltage",
	0x4000: "temperature",
	0x5000: "device hardware",
	0x6000: "device software",
	0x7000: "additional modules",
	0x8000: "monitoring",
	0x9000: "external error",
	0xF000: "additional functions",
	0xFF00: "device specific",
}

func describe(code uint16) string {
	// Match on the high byte family; exact-code entries win if present.
	if desc, ok := commonErrorDescriptions[code]; ok {
		return desc
	}
	if desc, ok := commonErrorDescriptions[code&0xFF00]; ok {
		return desc
	}
	return "unknown"
}

// Report decodes f as an emergency frame and logs it. f.CanId must
// satisfy InRange; callers are expected to check before calling.
func Report(f frame.CANFrame) Event {
	data := f.Data()
	ev := Event{DriveId: uint8(f.CanId - rangeBase)}
	if len(data) >= 2 {
		ev.ErrorCode = uint16(data[0]) | uint16(data[1])<<8
	}
	if len(data) >= 4 {
		ev.ErrorIndex = uint16(data[2]) | uint16(data[3])<<8
	}
	if len(data) >= 8 {
		copy(ev.VendorData[:], data[4:8])
	}

	emcyLog.WithFields(log.Fields{
		"driveId":   ev.DriveId,
		"errorCode": ev.ErrorCode,
		"desc":      describe(ev.ErrorCode),
	}).Warn("emergency frame received")

	return ev
}
