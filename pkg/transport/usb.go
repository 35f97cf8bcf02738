package transport

import (
	"context"
	"time"

	"github.com/google/gousb"
	log "github.com/sirupsen/logrus"

	"mdlink/pkg/status"
)

const (
	outEndpoint = 0x01
	inEndpoint  = 0x81
)

var usbLog = log.WithField("service", "transport.usb")

// USBBus is a Bus implementation over a gousb bulk endpoint pair,
// grounded on guiperry-HASHER's internal/driver/device/usb_device.go
// open/claim/endpoint/close sequence.
type USBBus struct {
	vid, pid gousb.ID

	ctx    *gousb.Context
	device *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface
	epOut  *gousb.OutEndpoint
	epIn   *gousb.InEndpoint
}

// NewUSBBus builds a USB transport targeting the given VID:PID pair. The
// application device is 0x0069:0x1000; the bootloader re-enumerates as
// 0x0069:0x2000.
func NewUSBBus(vid, pid uint16) *USBBus {
	return &USBBus{vid: gousb.ID(vid), pid: gousb.ID(pid)}
}

func (b *USBBus) Connect() *status.Error {
	if b.device != nil {
		return nil
	}
	b.ctx = gousb.NewContext()
	dev, err := b.ctx.OpenDeviceWithVIDPID(b.vid, b.pid)
	if err != nil {
		b.ctx.Close()
		b.ctx = nil
		return status.Newf(status.InitializationError, "open device %s:%s: %v", b.vid, b.pid, err)
	}
	if dev == nil {
		b.ctx.Close()
		b.ctx = nil
		return status.New(status.DeviceNotConnected, "device not found")
	}
	dev.SetAutoDetach(true)

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		b.ctx.Close()
		b.ctx = nil
		return status.Newf(status.InitializationError, "select config: %v", err)
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		b.ctx.Close()
		b.ctx = nil
		return status.Newf(status.InitializationError, "claim interface: %v", err)
	}
	epOut, err := intf.OutEndpoint(outEndpoint)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		b.ctx.Close()
		b.ctx = nil
		return status.Newf(status.InitializationError, "open out endpoint: %v", err)
	}
	epIn, err := intf.InEndpoint(inEndpoint)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		b.ctx.Close()
		b.ctx = nil
		return status.Newf(status.InitializationError, "open in endpoint: %v", err)
	}

	b.device, b.config, b.intf, b.epOut, b.epIn = dev, cfg, intf, epOut, epIn
	usbLog.WithField("vidpid", b.vid.String()+":"+b.pid.String()).Debug("usb bus connected")
	return nil
}

func (b *USBBus) Disconnect() *status.Error {
	if b.device == nil {
		return nil
	}
	b.intf.Close()
	b.config.Close()
	b.device.Close()
	b.ctx.Close()
	b.intf, b.config, b.device, b.ctx, b.epOut, b.epIn = nil, nil, nil, nil, nil, nil
	return nil
}

func (b *USBBus) Connected() bool {
	return b.device != nil
}

func (b *USBBus) Transfer(out []byte, timeoutMs int, expectedInSize int) ([]byte, *status.Error) {
	if b.device == nil {
		return nil, status.New(status.DeviceNotConnected, "usb bus not connected")
	}
	if len(out) == 0 && expectedInSize <= 0 {
		return nil, status.New(status.BadResponse, "empty transmit buffer")
	}
	if len(out) > 0 {
		if _, err := b.epOut.Write(out); err != nil {
			usbLog.WithError(err).Warn("bulk out failed")
			return nil, status.Newf(status.DeviceNotConnected, "bulk out: %v", err)
		}
	}
	if expectedInSize <= 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()
	buf := make([]byte, expectedInSize)
	n, err := b.epIn.ReadContext(ctx, buf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, status.New(status.ResponseTimeout, "bulk in timed out")
		}
		return nil, status.Newf(status.DeviceNotConnected, "bulk in: %v", err)
	}
	return buf[:n], nil
}
