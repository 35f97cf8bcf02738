package pdo

import (
	log "github.com/sirupsen/logrus"

	"mdlink/pkg/frame"
	"mdlink/pkg/od"
)

var tpdoLog = log.WithField("service", "pdo.tpdo")

// Dispatch matches an incoming CAN frame against registry's TPDO
// mappings and, on a match, unpacks its payload into the corresponding
// drive's OD entries. Per §7's PDO-receive error policy, parse failures
// are dropped and logged rather than surfaced.
func Dispatch(registry *Registry, dicts map[uint8]*od.ObjectDictionary, f frame.CANFrame) {
	driveId, mapping, ok := registry.lookupByCOBID(f.CanId)
	if !ok {
		return // not a TPDO we know about
	}
	dict, ok := dicts[driveId]
	if !ok {
		return
	}
	if err := unpackFields(dict, mapping.Fields, f.Data()); err != nil {
		tpdoLog.WithFields(log.Fields{"driveId": driveId, "cobid": f.CanId}).WithError(err).Warn("dropping malformed tpdo payload")
	}
}
