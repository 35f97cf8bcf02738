// Package sync implements the SYNC producer, per spec.md §4.5.
package sync

import (
	"mdlink/pkg/frame"
	"mdlink/pkg/status"
)

const cobidSYNC uint16 = 0x80

type frameSender interface {
	SendCanFrame(frame.CANFrame) *status.Error
}

// Send broadcasts {canId=0x80, dlc=0} through sender.
func Send(sender frameSender) *status.Error {
	cf, err := frame.NewCANFrame(cobidSYNC, nil)
	if err != nil {
		return status.Newf(status.BadResponse, "%v", err)
	}
	return sender.SendCanFrame(cf)
}
