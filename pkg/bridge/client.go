// Package bridge implements the USB↔CAN bridge framing: the bounded FIFO
// transport with its background pump, and the CANdle bridge client built
// on top of it (§4.2, §4.3).
package bridge

import (
	"time"

	log "github.com/sirupsen/logrus"

	"mdlink/pkg/frame"
	"mdlink/pkg/status"
	"mdlink/pkg/transport"
)

var clientLog = log.WithField("service", "bridge.client")

const configAckTimeout = 50 * time.Millisecond

// Client is the protocol-agnostic interface the CANopen stack and the MD
// register layer both use to talk to a CANdle bridge: send one CAN
// frame, optionally await one matching response within T ms, plus bridge
// configuration. It folds the teacher's duplicated Candle/CandleInterface
// roles into one.
type Client struct {
	bus   transport.Bus
	tx    *Fifo
	rx    *Fifo
	pump  *Pump
	stats Statistics
}

// NewClient wires a bridge client over bus with FIFOs of the given
// capacity (clamped to MinFifoDepth).
func NewClient(bus transport.Bus, fifoDepth int) *Client {
	c := &Client{
		bus: bus,
		tx:  NewFifo(fifoDepth),
		rx:  NewFifo(fifoDepth),
	}
	c.pump = NewPump(bus, c.tx, c.rx)
	return c
}

// Connect opens the transport and starts the background pump.
func (c *Client) Connect() *status.Error {
	if err := c.bus.Connect(); err != nil {
		return err
	}
	c.pump.Start()
	return nil
}

// Disconnect stops the pump and closes the transport.
func (c *Client) Disconnect() *status.Error {
	c.pump.Stop()
	return c.bus.Disconnect()
}

// ConfigureBus sends one config BusFrame and waits for the device to ack
// by enqueueing a matching config frame into rx within configAckTimeout.
func (c *Client) ConfigureBus(baudrate, fdFormat, bitRateSwitch uint32) *status.Error {
	settings := frame.Settings{Baudrate: baudrate, FdFormat: fdFormat, BitRateSwitch: bitRateSwitch}
	if !c.tx.Enqueue(settings.ToBusFrame()) {
		return status.New(status.FifoFull, "tx fifo full")
	}

	deadline := time.Now().Add(configAckTimeout)
	for time.Now().Before(deadline) {
		if bf, ok := c.rx.Dequeue(); ok {
			if bf.Id == frame.KindConfig {
				return nil
			}
			// Not a config ack; drop it, it wasn't for us.
		}
		time.Sleep(time.Millisecond)
	}
	return status.New(status.ResponseTimeout, "no bus config ack within 50ms")
}

// SendCanFrame enqueues one CAN BusFrame, non-blocking.
func (c *Client) SendCanFrame(f frame.CANFrame) *status.Error {
	if !c.tx.Enqueue(f.ToBusFrame()) {
		return status.New(status.FifoFull, "tx fifo full")
	}
	return nil
}

// ReceiveCanFrame non-blockingly dequeues the next CAN frame, routing any
// status frames it encounters along the way to the statistics sink and
// dropping anything else without returning it.
func (c *Client) ReceiveCanFrame() (frame.CANFrame, bool) {
	for {
		bf, ok := c.rx.Dequeue()
		if !ok {
			return frame.CANFrame{}, false
		}
		switch bf.Id {
		case frame.KindCAN:
			cf, err := frame.CANFrameFromBusFrame(bf)
			if err != nil {
				clientLog.WithError(err).Warn("dropping malformed CAN busframe")
				continue
			}
			return cf, true
		case frame.KindStatus:
			sf, err := frame.StatusFromBusFrame(bf)
			if err == nil {
				c.stats.Observe(sf)
			}
		default:
			// not a CAN or status frame; not this client's concern
		}
	}
}

// TransferCanFrame is the synchronous round-trip used by the MD register
// protocol: enqueue outPayload addressed to canId, then poll rx until a
// frame arrives matching the MD reply mask (canId+0x80, per the open
// question decision) or timeoutMs elapses.
func (c *Client) TransferCanFrame(canId uint16, outPayload []byte, expectedRespSize int, timeoutMs int) ([]byte, *status.Error) {
	return c.TransferCanFrameReplyId(canId, canId+0x80, outPayload, expectedRespSize, timeoutMs)
}

// TransferCanFrameReplyId is TransferCanFrame with an explicit reply id,
// for protocols that don't follow the canId+0x80 mask — the CAN
// bootloader addresses replies to 0x780+id against a 0x680+id request
// (and its recovery backdoor to a fixed id pair unrelated to either),
// per spec.md §4.7.
func (c *Client) TransferCanFrameReplyId(canId, replyId uint16, outPayload []byte, expectedRespSize int, timeoutMs int) ([]byte, *status.Error) {
	req, err := frame.NewCANFrame(canId, outPayload)
	if err != nil {
		return nil, status.Newf(status.BadResponse, "%v", err)
	}
	if serr := c.SendCanFrame(req); serr != nil {
		return nil, serr
	}

	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for time.Now().Before(deadline) {
		if cf, ok := c.ReceiveCanFrame(); ok {
			if cf.CanId != replyId {
				continue // not addressed to us; drop silently
			}
			if expectedRespSize > 0 && int(cf.Length) < expectedRespSize {
				return nil, status.New(status.BadResponse, "short response payload")
			}
			return cf.Data(), nil
		}
		time.Sleep(100 * time.Microsecond)
	}
	return nil, status.New(status.ResponseTimeout, "no matching response")
}

// Statistics returns the last observed RX/TX peak FIFO occupancy and bus
// error state.
func (c *Client) Statistics() frame.StatusFrame {
	return c.stats.Snapshot()
}
