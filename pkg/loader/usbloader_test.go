package loader_test

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdlink/internal/crc"
	"mdlink/pkg/loader"
	"mdlink/pkg/status"
)

// fakeUsbBus answers the CANdle bootloader's direct-bulk protocol,
// framing-compatible with loader.UsbLoader: request [id,0xAA,0xAA,data...],
// response [id,'O','K'].
type fakeUsbBus struct {
	mu         sync.Mutex
	connected  bool
	sentChunks [][]byte
	writeCRCs  []uint32
	sawBoot    bool
}

func (b *fakeUsbBus) Connect() *status.Error    { b.connected = true; return nil }
func (b *fakeUsbBus) Disconnect() *status.Error { b.connected = false; return nil }
func (b *fakeUsbBus) Connected() bool           { return b.connected }

func (b *fakeUsbBus) Transfer(out []byte, timeoutMs int, expectedInSize int) ([]byte, *status.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(out) < 3 || out[1] != 0xAA || out[2] != 0xAA {
		return nil, status.New(status.BadResponse, "malformed request frame")
	}
	id := out[0]
	data := out[3:]
	switch id {
	case 101: // usbCmdSendPage
		b.sentChunks = append(b.sentChunks, append([]byte{}, data...))
	case 102: // usbCmdWritePage
		b.writeCRCs = append(b.writeCRCs, binary.LittleEndian.Uint32(data))
	case 103: // usbCmdBootToApp
		b.sawBoot = true
	}
	return []byte{id, 'O', 'K'}, nil
}

func TestUsbLoaderFlashUploadsTwoChunksPerPageAndMatchingCRC(t *testing.T) {
	bus := &fakeUsbBus{connected: true}
	l := loader.NewUsbLoaderWithBus(bus)

	binData := make([]byte, loader.PageSize)
	for i := range binData {
		binData[i] = byte(i % 251)
	}
	fw := &loader.Firmware{Tag: "MD80", Start: 0x08004000, Size: uint32(len(binData)), Binary: binData}

	err := l.Flash(fw)
	require.Nil(t, err)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	require.Len(t, bus.sentChunks, 2, "one 2048-byte page uploads as two 1024-byte chunks")
	assert.Equal(t, binData[:1024], bus.sentChunks[0])
	assert.Equal(t, binData[1024:2048], bus.sentChunks[1])

	require.Len(t, bus.writeCRCs, 1)
	assert.Equal(t, crc.Page32(binData), bus.writeCRCs[0])
	assert.True(t, bus.sawBoot)
}

func TestUsbLoaderFlashFailsOnMismatchedAck(t *testing.T) {
	bus := &badAckUsbBus{}
	l := loader.NewUsbLoaderWithBus(bus)
	fw := &loader.Firmware{Tag: "MD80", Start: 0x08004000, Size: 4, Binary: []byte{1, 2, 3, 4}}
	err := l.Flash(fw)
	require.NotNil(t, err)
	assert.True(t, status.IsLoader(err, status.LoaderKindReset))
}

// badAckUsbBus always replies with a response whose id doesn't match the
// request, to exercise expectOK's rejection path.
type badAckUsbBus struct{}

func (b *badAckUsbBus) Connect() *status.Error    { return nil }
func (b *badAckUsbBus) Disconnect() *status.Error { return nil }
func (b *badAckUsbBus) Connected() bool           { return true }
func (b *badAckUsbBus) Transfer(out []byte, timeoutMs int, expectedInSize int) ([]byte, *status.Error) {
	return []byte{0xFF, 'O', 'K'}, nil
}
