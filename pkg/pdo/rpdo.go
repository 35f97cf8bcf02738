package pdo

import (
	log "github.com/sirupsen/logrus"

	"mdlink/pkg/frame"
	"mdlink/pkg/od"
	"mdlink/pkg/status"
)

var rpdoLog = log.WithField("service", "pdo.rpdo")

// frameSender is the minimal bridge surface RPDO transmit needs.
type frameSender interface {
	SendCanFrame(frame.CANFrame) *status.Error
}

// SendRPDOs iterates every registered drive and, for each configured
// RPDO whose transmission type lies in the open interval (0, 250), packs
// its mapped fields from dict and enqueues one CAN frame, per §4.5.
func SendRPDOs(sender frameSender, registry *Registry, dicts map[uint8]*od.ObjectDictionary) {
	for _, driveId := range registry.DriveIds() {
		dict, ok := dicts[driveId]
		if !ok {
			continue
		}
		for _, m := range registry.RPDOsFor(driveId) {
			if m.TransmissionType == 0 || m.TransmissionType >= 250 {
				continue
			}
			payload, err := packFields(dict, m.Fields)
			if err != nil {
				rpdoLog.WithField("driveId", driveId).WithError(err).Warn("dropping rpdo with unreadable mapped field")
				continue
			}
			cf, ferr := frame.NewCANFrame(m.COBID, payload)
			if ferr != nil {
				rpdoLog.WithField("driveId", driveId).WithError(ferr).Warn("dropping oversized rpdo payload")
				continue
			}
			if serr := sender.SendCanFrame(cf); serr != nil {
				rpdoLog.WithField("driveId", driveId).WithError(serr).Warn("rpdo send failed")
			}
		}
	}
}
