// Package transport abstracts the physical link between the host and the
// CANdle bridge. Per the design note replacing open-ended IBusHandler /
// ICommunication polymorphism with a fixed-set dispatch, Kind enumerates
// the only two peers this core ever speaks to: USB and SPI.
package transport

import (
	"mdlink/pkg/status"
)

// MinTransferSize is the smallest allowed value of the compile-time
// maximum bulk transfer size; a maximum this large keeps a BusFrame
// boundary from being split.
const MinTransferSize = 2049

// Kind dispatches to one of a fixed set of transport implementations.
type Kind uint8

const (
	KindUSB Kind = iota
	KindSPI
)

func (k Kind) String() string {
	switch k {
	case KindUSB:
		return "usb"
	case KindSPI:
		return "spi"
	default:
		return "unknown"
	}
}

// Bus is the blocking transport abstraction over USB bulk or SPI.
type Bus interface {
	// Connect opens the device, detaching kernel drivers and claiming the
	// interface as needed. Idempotent: calling Connect again after
	// Disconnect must succeed.
	Connect() *status.Error
	// Disconnect releases and closes the device.
	Disconnect() *status.Error
	// Transfer sends out (nothing is sent when out is empty), then if
	// expectedInSize > 0 reads up to that many bytes within timeoutMs.
	Transfer(out []byte, timeoutMs int, expectedInSize int) ([]byte, *status.Error)
	// Connected reports whether the transport is currently open.
	Connected() bool
}

// SPI is not implemented by this core; spec.md names it only as a peer of
// USB behind the Bus interface. A concrete platform-specific SPI driver
// would satisfy Bus the same way USBBus does.
var _ = KindSPI
