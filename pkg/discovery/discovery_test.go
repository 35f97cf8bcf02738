package discovery_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdlink/pkg/bridge"
	"mdlink/pkg/canopen"
	"mdlink/pkg/discovery"
	"mdlink/pkg/frame"
	"mdlink/pkg/register"
	"mdlink/pkg/status"
)

// fakeSdoBus answers expedited SDO upload requests for 0x1000 sub0 only
// for ids in present, with a response whose byte 6 is the UNSIGNED32
// marker 0x92; every other id is silently ignored, forcing a timeout.
// Bus configuration is acked by echoing the config frame back.
type fakeSdoBus struct {
	mu        sync.Mutex
	connected bool
	pending   []byte
	present   map[uint8]bool
}

func (b *fakeSdoBus) Connect() *status.Error    { b.connected = true; return nil }
func (b *fakeSdoBus) Disconnect() *status.Error { b.connected = false; return nil }
func (b *fakeSdoBus) Connected() bool           { return b.connected }

func (b *fakeSdoBus) Transfer(out []byte, timeoutMs int, expectedInSize int) ([]byte, *status.Error) {
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

func (b *fakeSdoBus) handleOut(out []byte) {
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
		cf, err := frame.CANFrameFromBusFrame(bf)
		if err != nil || cf.CanId < 0x601 || cf.CanId > 0x67F {
			continue
		}
		id := uint8(cf.CanId - 0x600)
		if !b.present[id] {
			continue // silently dropped, forcing the scan's timeout path
		}
		resp := []byte{0x43, 0x00, 0x10, 0x00, 0x00, 0x00, 0x92, 0x00}
		rf, err := frame.NewCANFrame(0x580+uint16(id), resp)
		if err != nil {
			continue
		}
		b.pending = append(b.pending, rf.ToBusFrame().MarshalWire()...)
	}
}

func TestPingCanOpenFindsOnlyRespondingIds(t *testing.T) {
	bus := &fakeSdoBus{present: map[uint8]bool{5: true, 42: true}}
	client := bridge.NewClient(bus, bridge.MinFifoDepth)
	net := canopen.NewNetwork(client)
	require.Nil(t, net.Connect(1000000, 0, 0))
	defer net.Disconnect()

	found := discovery.PingCanOpen(net)
	assert.Equal(t, []uint8{5, 42}, found)
}

// fakeRegisterScanBus answers MD register reads for ids in present only.
type fakeRegisterScanBus struct {
	mu        sync.Mutex
	connected bool
	pending   []byte
	present   map[uint8]bool
}

func (b *fakeRegisterScanBus) Connect() *status.Error    { b.connected = true; return nil }
func (b *fakeRegisterScanBus) Disconnect() *status.Error { b.connected = false; return nil }
func (b *fakeRegisterScanBus) Connected() bool           { return b.connected }

func (b *fakeRegisterScanBus) Transfer(out []byte, timeoutMs int, expectedInSize int) ([]byte, *status.Error) {
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

func (b *fakeRegisterScanBus) handleOut(out []byte) {
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
		if err != nil || cf.CanId < 0x700 || cf.CanId > 0x77F {
			continue
		}
		id := uint8(cf.CanId - 0x700)
		if !b.present[id] {
			continue
		}
		data := cf.Data()
		respData := append(append([]byte{}, data[1:3]...), 0x01, 0x00, 0x00, 0x00)
		rf, err := frame.NewCANFrame(0x780+uint16(id), respData)
		if err != nil {
			continue
		}
		b.pending = append(b.pending, rf.ToBusFrame().MarshalWire()...)
	}
}

func TestPingMabFindsOnlyRespondingIds(t *testing.T) {
	bus := &fakeRegisterScanBus{present: map[uint8]bool{3: true, 100: true}}
	bridgeClient := bridge.NewClient(bus, bridge.MinFifoDepth)
	require.Nil(t, bridgeClient.Connect())
	defer bridgeClient.Disconnect()

	client := register.NewClient(bridgeClient)
	found := discovery.PingMab(client)
	assert.Equal(t, []uint8{3, 100}, found)
}

func TestPingCanOpenCompletesWithinBoundedTime(t *testing.T) {
	bus := &fakeSdoBus{present: map[uint8]bool{}}
	bridgeClient := bridge.NewClient(bus, bridge.MinFifoDepth)
	net := canopen.NewNetwork(bridgeClient)
	require.Nil(t, net.Connect(1000000, 0, 0))
	defer net.Disconnect()

	start := time.Now()
	found := discovery.PingCanOpen(net)
	elapsed := time.Since(start)

	assert.Empty(t, found)
	assert.Less(t, elapsed, 5*time.Second, "a full 127-id sweep at 10ms timeouts should stay well under a few seconds")
}
