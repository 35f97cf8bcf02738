package loader_test

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdlink/internal/crc"
	"mdlink/pkg/bridge"
	"mdlink/pkg/frame"
	"mdlink/pkg/loader"
	"mdlink/pkg/status"
)

// fakeBootloaderBus answers the MD bootloader protocol for driveId 9
// (request id 0x689, reply id 0x789) or, in recovery mode, the fixed
// backdoor pair (0x002, 0x003), modeled on the loopback doubles in
// register_test.go and bridge_test.go.
type fakeBootloaderBus struct {
	mu          sync.Mutex
	connected   bool
	pending     []byte
	requestID   uint16
	replyID     uint16
	received    [][]byte
	failInit    int // number of HOST_INIT attempts to fail before acking
	initAttempts int
}

func (b *fakeBootloaderBus) Connect() *status.Error    { b.connected = true; return nil }
func (b *fakeBootloaderBus) Disconnect() *status.Error { b.connected = false; return nil }
func (b *fakeBootloaderBus) Connected() bool           { return b.connected }

func (b *fakeBootloaderBus) Transfer(out []byte, timeoutMs int, expectedInSize int) ([]byte, *status.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(out) > 0 {
		b.handleOut(out)
		return nil, nil
	}
	if expectedInSize > 0 {
		resp := b.pending
		b.pending = nil
		return resp, nil
	}
	return nil, nil
}

func (b *fakeBootloaderBus) handleOut(out []byte) {
	for len(out) > 0 {
		bf, consumed, ok, err := frame.UnmarshalWire(out)
		if err != nil || !ok {
			return
		}
		out = out[consumed:]
		if bf.Id != frame.KindCAN {
			continue
		}
		cf, err := frame.CANFrameFromBusFrame(bf)
		if err != nil || cf.CanId != b.requestID {
			continue
		}
		data := cf.Data()
		b.received = append(b.received, append([]byte{}, data...))

		var respByte byte
		switch data[0] {
		case 0xA9: // cmdHostInitSecondary
			respByte = 0xB0
		case 0xA0: // cmdHostInit
			b.initAttempts++
			if b.initAttempts <= b.failInit {
				continue // no response this round, forces a retry/timeout
			}
			respByte = 0xB0
		case 0xA1: // cmdProg
			if len(data) == 2 { // writePage's commit marker {cmdProg, 0x00}
				respByte = 0xB1
			} else {
				respByte = 0xB4
			}
		case 0xA3: // cmdCheckCRC
			respByte = 0xB3
		case 0xA2: // cmdBoot
			respByte = 0xB2
		default:
			continue
		}

		rf, err := frame.NewCANFrame(b.replyID, []byte{respByte})
		if err != nil {
			continue
		}
		b.pending = append(b.pending, rf.ToBusFrame().MarshalWire()...)
	}
}

func newBootloaderLoader(t *testing.T, recovery bool) (*loader.CanLoader, *fakeBootloaderBus) {
	t.Helper()
	bus := &fakeBootloaderBus{}
	if recovery {
		bus.requestID = loader.RecoveryRequestID
		bus.replyID = loader.RecoveryResponseID
	} else {
		bus.requestID = 0x689
		bus.replyID = 0x789
	}
	c := bridge.NewClient(bus, bridge.MinFifoDepth)
	require.Nil(t, c.Connect())
	t.Cleanup(func() { c.Disconnect() })
	return loader.NewCanLoader(c, 9, loader.ChunkSizeFD, recovery), bus
}

func TestFlashSmallImageUsesSafeModeSinglePageWrite(t *testing.T) {
	l, bus := newBootloaderLoader(t, false)
	fw := &loader.Firmware{
		Tag: "MD80", Start: 0x08004000, Version: "1.0",
		Size:   8,
		Binary: []byte{1, 2, 3, 4, 5, 6, 7, 8},
	}

	err := l.Flash(fw)
	require.Nil(t, err)

	bus.mu.Lock()
	defer bus.mu.Unlock()

	var progCount, writeCount, crcCount, bootCount int
	for _, f := range bus.received {
		switch f[0] {
		case 0xA1:
			if len(f) == 2 {
				writeCount++
			} else {
				progCount++
			}
		case 0xA3:
			crcCount++
		case 0xA2:
			bootCount++
		}
	}
	assert.Equal(t, loader.PageSize/loader.ChunkSizeFD, progCount, "the image is zero-padded to one full page, sent in ChunkSizeFD-byte chunks")
	assert.Equal(t, 1, writeCount, "safe mode writes once after all pages transferred")
	assert.Equal(t, 1, crcCount)
	assert.Equal(t, 1, bootCount)
}

func TestFlashLargeImageUsesUnsafeModePerPageWrite(t *testing.T) {
	l, bus := newBootloaderLoader(t, false)
	big := make([]byte, 21*1024)
	fw := &loader.Firmware{
		Tag: "MD80", Start: 0x08004000, Version: "1.0",
		Size:   uint32(len(big)),
		Binary: big,
	}

	err := l.Flash(fw)
	require.Nil(t, err)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	var writeCount int
	for _, f := range bus.received {
		if f[0] == 0xA1 && len(f) == 2 {
			writeCount++
		}
	}
	expectedPages := (len(big) + loader.PageSize - 1) / loader.PageSize
	assert.Equal(t, expectedPages, writeCount, "unsafe mode writes once per page")
}

func TestInitRetriesUntilHostInitOK(t *testing.T) {
	l, bus := newBootloaderLoader(t, false)
	bus.failInit = 2
	fw := &loader.Firmware{
		Tag: "MD80", Start: 0x08004000, Size: 4, Binary: []byte{1, 2, 3, 4},
	}
	err := l.Flash(fw)
	require.Nil(t, err)
	assert.GreaterOrEqual(t, bus.initAttempts, 3)
}

func TestRecoveryModeUsesBackdoorIdsAndSkipsPreReset(t *testing.T) {
	l, bus := newBootloaderLoader(t, true)
	fw := &loader.Firmware{
		Tag: "MD80", Start: 0x08004000, Size: 4, Binary: []byte{1, 2, 3, 4},
	}
	err := l.Flash(fw)
	require.Nil(t, err)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	for _, f := range bus.received {
		assert.NotEqual(t, byte(0xA9), f[0], "recovery sessions skip the enter-bootloader preamble")
	}
}

func TestPage32OfFullPageIsNonZero(t *testing.T) {
	page := make([]byte, loader.PageSize)
	for i := range page {
		page[i] = byte(i)
	}
	assert.NotZero(t, crc.Page32(page))
}

func TestFlashFailsWhenNoReplyIsAcked(t *testing.T) {
	bus := &fakeBootloaderBus{requestID: 0x689, replyID: 0x789}
	c := bridge.NewClient(bus, bridge.MinFifoDepth)
	require.Nil(t, c.Connect())
	defer c.Disconnect()

	l := loader.NewCanLoader(c, 9, loader.ChunkSizeFD, false)
	fw := &loader.Firmware{
		Tag: "MD80", Start: 0x08004000, Size: 4, Binary: []byte{1, 2, 3, 4},
	}

	// Poison the bus by swapping in a reply id it never answers on, so no
	// step of the round trip is ever acked.
	bus.replyID = 0x7FF
	err := l.Flash(fw)
	require.NotNil(t, err)
}

func TestBootCommandCarriesBootAddress(t *testing.T) {
	l, bus := newBootloaderLoader(t, false)
	fw := &loader.Firmware{
		Tag: "MD80", Start: 0x08004000, Size: 4, Binary: []byte{1, 2, 3, 4},
	}
	require.Nil(t, l.Flash(fw))

	bus.mu.Lock()
	defer bus.mu.Unlock()
	for _, f := range bus.received {
		if f[0] == 0xA2 {
			require.Len(t, f, 5)
			assert.Equal(t, fw.Start, binary.LittleEndian.Uint32(f[1:]))
			return
		}
	}
	t.Fatal("no boot command observed")
}
