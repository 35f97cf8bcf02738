// Package nmt builds CANopen Network Management command frames, per
// spec.md §4.5.
package nmt

import (
	"mdlink/pkg/frame"
	"mdlink/pkg/status"
)

// Command is one NMT control command.
type Command uint8

const (
	CommandStart       Command = 0x01
	CommandStop        Command = 0x02
	CommandPreOp       Command = 0x80
	CommandResetNode   Command = 0x81
	CommandResetComm   Command = 0x82
)

const cobidNMT uint16 = 0x000

type frameSender interface {
	SendCanFrame(frame.CANFrame) *status.Error
}

// Send builds and enqueues {canId=0x000, dlc=2, [command, nodeId]}.
func Send(sender frameSender, nodeId uint8, cmd Command) *status.Error {
	cf, err := frame.NewCANFrame(cobidNMT, []byte{byte(cmd), nodeId})
	if err != nil {
		return status.Newf(status.BadResponse, "%v", err)
	}
	return sender.SendCanFrame(cf)
}
