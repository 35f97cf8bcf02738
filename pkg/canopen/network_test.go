package canopen_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdlink/pkg/bridge"
	"mdlink/pkg/canopen"
	"mdlink/pkg/frame"
	"mdlink/pkg/od"
	"mdlink/pkg/status"
)

// fakeDriveBus is a transport.Bus double that plays a single drive at
// driveId=5, answering an expedited SDO upload of 0x6041/0x00 with a
// canned uint16 value, modeled on bridge_test.go's loopbackBus but
// decoding CAN frames to emulate a real device's SDO server reply. It
// acks bus configuration by echoing the config frame back, and counts
// every CAN frame it receives.
type fakeDriveBus struct {
	mu            sync.Mutex
	connected     bool
	pending       []byte
	canFramesSeen int
}

func (b *fakeDriveBus) Connect() *status.Error    { b.connected = true; return nil }
func (b *fakeDriveBus) Disconnect() *status.Error { b.connected = false; return nil }
func (b *fakeDriveBus) Connected() bool           { return b.connected }

func (b *fakeDriveBus) Transfer(out []byte, timeoutMs int, expectedInSize int) ([]byte, *status.Error) {
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

func (b *fakeDriveBus) handleOut(out []byte) {
	for len(out) > 0 {
		bf, consumed, ok, err := frame.UnmarshalWire(out)
		if err != nil || !ok {
			return
		}
		out = out[consumed:]
		if bf.Id == frame.KindConfig {
			b.pending = append(b.pending, bf.MarshalWire()...)
			continue
		}
		if bf.Id != frame.KindCAN {
			continue
		}
		b.canFramesSeen++
		cf, err := frame.CANFrameFromBusFrame(bf)
		if err != nil {
			continue
		}
		b.respondTo(cf)
	}
}

func (b *fakeDriveBus) respondTo(cf frame.CANFrame) {
	if cf.CanId != 0x605 {
		return
	}
	data := cf.Data()
	if len(data) < 4 || data[0] != 0x40 {
		return
	}
	// Expedited upload response carrying a 2-byte value 0x1234.
	resp := [8]byte{0x4B, data[1], data[2], data[3], 0x34, 0x12, 0, 0}
	rf, err := frame.NewCANFrame(0x585, resp[:])
	if err != nil {
		return
	}
	b.pending = append(b.pending, rf.ToBusFrame().MarshalWire()...)
}

func newTestNetwork(t *testing.T) (*canopen.Network, *fakeDriveBus) {
	t.Helper()
	bus := &fakeDriveBus{}
	client := bridge.NewClient(bus, bridge.MinFifoDepth)
	net := canopen.NewNetwork(client)
	require.Nil(t, net.Connect(1000000, 0, 0))
	return net, bus
}

func TestNetworkReadSDOViaDispatchLoop(t *testing.T) {
	net, _ := newTestNetwork(t)
	defer net.Disconnect()

	v, err := net.ReadSDO(5, 0x6041, 0x00, od.Unsigned16, 500)
	require.Nil(t, err)
	n, nerr := v.Uint64()
	require.Nil(t, nerr)
	assert.Equal(t, uint64(0x1234), n)
}

func TestNetworkWriteSDORejectsTypeMismatchWithoutSending(t *testing.T) {
	net, bus := newTestNetwork(t)
	defer net.Disconnect()

	dict := od.NewObjectDictionary()
	entry := &od.Entry{
		Index:      0x6040,
		DataType:   od.Unsigned16,
		AccessType: od.AccessRW,
		Value:      od.NewValue(od.Unsigned16),
	}
	dict.Add(entry)
	net.AddDrive(5, dict)

	boolValue, _ := od.EncodeFromGeneric(od.Boolean, true)
	err := net.WriteSDO(5, 0x6040, 0x00, boolValue, 50)
	require.NotNil(t, err)
	assert.True(t, status.Is(err, status.TypeMismatch))

	time.Sleep(5 * time.Millisecond)
	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.Zero(t, bus.canFramesSeen, "no frame should have been sent for a type-mismatched write")
}
