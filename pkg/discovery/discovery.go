// Package discovery implements the two cheap bus scanners of spec.md
// §4.8: a CANopen-stack probe and an MD-register probe, each walking
// the 1..127 id space and collecting responders into a sorted set.
package discovery

import (
	log "github.com/sirupsen/logrus"

	"mdlink/pkg/canopen"
	"mdlink/pkg/register"
)

const (
	minDriveId = 1
	maxDriveId = 127

	pingTimeoutMs = 10

	deviceTypeIndex    = 0x1000
	deviceTypeSubindex = 0x00

	unsigned32ReplyMarker = 0x92
)

// PingCanOpen walks ids 1..127, sending an expedited SDO upload of
// 0x1000 sub0 (Device Type) with a short timeout; any reply whose byte 6
// reads 0x92 (the UNSIGNED32 marker) counts the id as present. The
// network's logger is silenced for the duration of the scan, since a
// sweep across empty ids is expected to produce many response timeouts.
func PingCanOpen(net *canopen.Network) []uint8 {
	restore := silence()
	defer restore()

	var found []uint8
	for id := minDriveId; id <= maxDriveId; id++ {
		resp, ok := net.ProbeSDOUpload(uint8(id), deviceTypeIndex, deviceTypeSubindex, pingTimeoutMs)
		if !ok {
			continue
		}
		data := resp.Data()
		if len(data) >= 7 && data[6] == unsigned32ReplyMarker {
			found = append(found, uint8(id))
		}
	}
	return found
}

// PingMab walks ids 1..127 using a cheap MD-register read (firmware
// version) with a short timeout, counting any acked reply as present.
// Silences the logger for the duration of the scan, same as PingCanOpen.
func PingMab(client *register.Client) []uint8 {
	restore := silence()
	defer restore()

	def := register.Def{ID: register.RegisterFirmwareVersion, Kind: register.KindUint32}
	var found []uint8
	for id := minDriveId; id <= maxDriveId; id++ {
		if _, err := client.ReadUint32(uint8(id), def, pingTimeoutMs); err == nil {
			found = append(found, uint8(id))
		}
	}
	return found
}

// silence raises the package-global logrus level to suppress the
// response-timeout noise a full 1..127 sweep generates, restoring the
// previous level when the scan completes.
func silence() func() {
	prev := log.GetLevel()
	log.SetLevel(log.PanicLevel)
	return func() { log.SetLevel(prev) }
}
