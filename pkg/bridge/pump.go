package bridge

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"mdlink/pkg/frame"
	"mdlink/pkg/transport"
)

const (
	minTransferSize  = 65
	maxTransferSize  = 2049
	defaultTickInterval = 2 * time.Millisecond
	outTimeoutMs     = 50
	inTimeoutMs      = 200
)

var pumpLog = log.WithField("service", "bridge.pump")

// Pump is the background task that packs the tx ring into bulk OUT
// transfers and unpacks bulk IN transfers into the rx ring, per §4.2.
type Pump struct {
	bus transport.Bus
	tx  *Fifo
	rx  *Fifo

	shuttingDown int32
	wg           sync.WaitGroup
}

// NewPump wires a pump over the given transport and FIFOs. Call Start to
// launch the background goroutine.
func NewPump(bus transport.Bus, tx, rx *Fifo) *Pump {
	return &Pump{bus: bus, tx: tx, rx: rx}
}

// Start launches the pump loop in its own goroutine.
func (p *Pump) Start() {
	p.wg.Add(1)
	go p.run()
}

// Stop sets the shutdown flag and joins the pump goroutine.
func (p *Pump) Stop() {
	atomic.StoreInt32(&p.shuttingDown, 1)
	p.wg.Wait()
}

func (p *Pump) run() {
	defer p.wg.Done()
	for atomic.LoadInt32(&p.shuttingDown) == 0 {
		p.tick()
		time.Sleep(defaultTickInterval)
	}
}

// tick performs one pack/send/recv/unpack cycle; run calls it once per
// tick interval.
func (p *Pump) tick() {
	out := p.pack()

	if _, serr := p.bus.Transfer(out, outTimeoutMs, 0); serr != nil {
		pumpLog.WithError(serr).Warn("bulk out failed")
		return
	}

	in, rerr := p.bus.Transfer(nil, inTimeoutMs, maxTransferSize)
	if rerr != nil {
		pumpLog.WithError(rerr).Debug("bulk in failed or timed out")
		return
	}
	p.unpack(in)
}

// pack drains the tx ring into a byte buffer per the packing algorithm:
// concatenate serialized BusFrames while a frame of the maximum wire size
// (BusFrameSize) still fits, or until the ring is empty; pad to defeat
// 64-byte coalescing and to meet the 65-byte transfer floor. Frames left
// in the ring go out, in order, on a later tick.
func (p *Pump) pack() []byte {
	buf := make([]byte, 0, maxTransferSize)
	// The room check comes before Dequeue (the ring has no peek), so a
	// dequeued frame always fits and never has to be put back.
	for len(buf)+frame.BusFrameSize <= maxTransferSize-1 {
		bf, ok := p.tx.Dequeue()
		if !ok {
			break
		}
		buf = append(buf, bf.MarshalWire()...)
	}

	if len(buf) > 0 && len(buf)%64 == 0 {
		buf = append(buf, 0)
	}
	for len(buf) < minTransferSize {
		buf = append(buf, 0)
	}
	return buf
}

// unpack parses back-to-back BusFrames out of a bulk IN payload and
// pushes them into the rx ring, stopping at a zero id terminator or the
// end of the buffer.
func (p *Pump) unpack(in []byte) {
	for len(in) > 0 {
		bf, consumed, ok, err := frame.UnmarshalWire(in)
		if err != nil {
			pumpLog.WithError(err).Warn("malformed frame in bulk in payload, dropping remainder")
			return
		}
		if !ok {
			return // zero-id terminator
		}
		if !p.rx.Enqueue(bf) {
			pumpLog.Warn("rx fifo full, dropping frame")
		}
		in = in[consumed:]
	}
}
