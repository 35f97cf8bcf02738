package loader

import (
	"encoding/binary"
	"time"

	log "github.com/sirupsen/logrus"

	"mdlink/internal/crc"
	"mdlink/pkg/status"
	"mdlink/pkg/transport"
)

var usbLoaderLog = log.WithField("service", "loader.usb")

// BootloaderVID/PID is the CANdle dongle's USB identity once it has
// re-enumerated into its own bootloader, per spec.md §4.7.
const (
	BootloaderVID uint16 = 0x0069
	BootloaderPID uint16 = 0x2000
)

const (
	usbCmdCheckEntered = 100
	usbCmdSendPage     = 101
	usbCmdWritePage    = 102
	usbCmdBootToApp    = 103
)

const (
	usbChunkSize     = 1024
	usbChunksPerPage = PageSize / usbChunkSize
	usbPollInterval  = 20 * time.Millisecond
	usbPollTimeout   = 2 * time.Second
	usbFrameTimeoutMs = 1000
)

var usbFramePreamble = [2]byte{0xAA, 0xAA}

// UsbLoader drives the CANdle-over-USB firmware loader: a direct bulk
// protocol (no FIFO pump) against the dongle's own bootloader, distinct
// from the MD-over-CAN protocol in canloader.go.
type UsbLoader struct {
	bus transport.Bus
}

// NewUsbLoader builds a loader against a not-yet-connected USB bus. Call
// WaitForBootloader before Flash.
func NewUsbLoader() *UsbLoader {
	return &UsbLoader{bus: transport.NewUSBBus(BootloaderVID, BootloaderPID)}
}

// NewUsbLoaderWithBus wires a loader against an arbitrary transport.Bus,
// letting callers substitute a fake bus for the real USB device in
// tests.
func NewUsbLoaderWithBus(bus transport.Bus) *UsbLoader {
	return &UsbLoader{bus: bus}
}

// WaitForBootloader polls for the bootloader's VID:PID to enumerate,
// retrying every 20ms for up to 2s, per spec.md §4.7 (the dongle drops
// off the bus and re-enumerates into its bootloader identity on entry).
func (l *UsbLoader) WaitForBootloader() *status.Error {
	deadline := time.Now().Add(usbPollTimeout)
	var lastErr *status.Error
	for time.Now().Before(deadline) {
		if err := l.bus.Connect(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(usbPollInterval)
	}
	return status.Newf(status.DeviceNotConnected, "bootloader did not enumerate: %v", lastErr)
}

// Flash runs CheckEntered -> per-page SendPage/WritePage -> BootToApp
// against fw.
func (l *UsbLoader) Flash(fw *Firmware) *status.Error {
	if err := l.checkEntered(); err != nil {
		return err
	}

	pages := fw.Pages(PageSize)
	for i, page := range pages {
		if err := l.sendPage(page); err != nil {
			return err
		}
		if err := l.writePage(page); err != nil {
			return err
		}
		usbLoaderLog.WithFields(log.Fields{"page": i + 1, "of": len(pages)}).Debug("page written")
	}

	return l.bootToApp()
}

func (l *UsbLoader) checkEntered() *status.Error {
	resp, err := l.transfer(usbCmdCheckEntered, nil, 3)
	if err != nil {
		return status.NewLoaderf(status.LoaderKindReset, "check entered failed: %v", err)
	}
	if err := l.expectOK(usbCmdCheckEntered, resp); err != nil {
		return status.NewLoaderf(status.LoaderKindReset, "check entered not acked: %v", err)
	}
	return nil
}

// sendPage uploads one 2048-byte page as two 1024-byte chunks, per
// spec.md §4.7.
func (l *UsbLoader) sendPage(page []byte) *status.Error {
	for c := 0; c < usbChunksPerPage; c++ {
		offset := c * usbChunkSize
		chunk := page[offset : offset+usbChunkSize]
		resp, err := l.transfer(usbCmdSendPage, chunk, 3)
		if err != nil {
			return status.NewLoaderf(status.LoaderKindFirmware, "chunk transfer failed: %v", err)
		}
		if err := l.expectOK(usbCmdSendPage, resp); err != nil {
			return status.NewLoaderf(status.LoaderKindFirmware, "chunk not acked: %v", err)
		}
	}
	return nil
}

// writePage commits the most recently sent page, carrying its CRC32 so
// the bootloader can verify the upload before programming flash.
func (l *UsbLoader) writePage(page []byte) *status.Error {
	sum := crc.Page32(page)
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, sum)
	resp, err := l.transfer(usbCmdWritePage, payload, 3)
	if err != nil {
		return status.NewLoaderf(status.LoaderKindProg, "write failed: %v", err)
	}
	if err := l.expectOK(usbCmdWritePage, resp); err != nil {
		return status.NewLoaderf(status.LoaderKindProg, "write not acked: %v", err)
	}
	return nil
}

func (l *UsbLoader) bootToApp() *status.Error {
	resp, err := l.transfer(usbCmdBootToApp, nil, 3)
	if err != nil {
		return status.NewLoaderf(status.LoaderKindBoot, "boot command failed: %v", err)
	}
	if err := l.expectOK(usbCmdBootToApp, resp); err != nil {
		return status.NewLoaderf(status.LoaderKindBoot, "boot not acked: %v", err)
	}
	return nil
}

// transfer frames a command as [id, 0xAA, 0xAA, data...] and reads back
// expectedInSize bytes.
func (l *UsbLoader) transfer(id byte, data []byte, expectedInSize int) ([]byte, *status.Error) {
	req := make([]byte, 0, 3+len(data))
	req = append(req, id, usbFramePreamble[0], usbFramePreamble[1])
	req = append(req, data...)
	return l.bus.Transfer(req, usbFrameTimeoutMs, expectedInSize)
}

// expectOK validates a response of the form [id, 'O', 'K'].
func (l *UsbLoader) expectOK(id byte, resp []byte) *status.Error {
	if len(resp) < 3 || resp[0] != id || resp[1] != 'O' || resp[2] != 'K' {
		return status.Newf(status.BadResponse, "command 0x%02X not acked", id)
	}
	return nil
}
