package frame_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdlink/pkg/frame"
)

func TestBusFrameRoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	bf, err := frame.NewBusFrame(frame.KindCAN, payload)
	require.NoError(t, err)

	wire := bf.Marshal()
	assert.Len(t, wire, frame.BusFrameSize)

	got, err := frame.Unmarshal(wire)
	require.NoError(t, err)
	assert.Equal(t, bf.Id, got.Id)
	assert.Equal(t, bf.PayloadSize, got.PayloadSize)
	assert.Equal(t, bf.Payload, got.Payload)
}

func TestBusFramePayloadTooLarge(t *testing.T) {
	_, err := frame.NewBusFrame(frame.KindCAN, make([]byte, frame.PayloadSize+1))
	assert.Error(t, err)
}

func TestUnmarshalShortBuffer(t *testing.T) {
	_, err := frame.Unmarshal(make([]byte, frame.BusFrameSize-1))
	assert.Error(t, err)
}

func TestCANFrameRoundTripViaBusFrame(t *testing.T) {
	for _, length := range []int{0, 8, 64} {
		data := make([]byte, length)
		for i := range data {
			data[i] = byte(i)
		}
		cf, err := frame.NewCANFrame(0x601, data)
		require.NoError(t, err)

		bf := cf.ToBusFrame()
		got, err := frame.CANFrameFromBusFrame(bf)
		require.NoError(t, err)
		assert.Equal(t, cf.CanId, got.CanId)
		assert.Equal(t, cf.Data(), got.Data())
	}
}

func TestCANFramePayloadTooLarge(t *testing.T) {
	_, err := frame.NewCANFrame(0x601, make([]byte, frame.MaxCANPayload+1))
	assert.Error(t, err)
}

func TestCANFrameFromBusFrameWrongKind(t *testing.T) {
	bf, _ := frame.NewBusFrame(frame.KindStatus, []byte{0, 0, 0, 0, 0})
	_, err := frame.CANFrameFromBusFrame(bf)
	assert.Error(t, err)
}

func TestStatusFrameRoundTrip(t *testing.T) {
	s := frame.StatusFrame{RxAvgPercent: 10, RxPeakPercent: 40, TxAvgPercent: 5, TxPeakPercent: 20, BusState: 1}
	bf := s.ToBusFrame()
	got, err := frame.StatusFromBusFrame(bf)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestSettingsRoundTrip(t *testing.T) {
	s := frame.Settings{Baudrate: 1_000_000, FdFormat: 1, BitRateSwitch: 1}
	bf := s.ToBusFrame()
	got, err := frame.SettingsFromBusFrame(bf)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestBootloaderFrameRoundTrip(t *testing.T) {
	b := frame.BootloaderFrame{Command: 0xB1, Data: []byte{1, 2, 3, 4}}
	bf, err := b.ToBusFrame(frame.KindBootloaderBase)
	require.NoError(t, err)

	got, err := frame.BootloaderFromBusFrame(bf)
	require.NoError(t, err)
	assert.Equal(t, b.Command, got.Command)
	assert.Equal(t, b.Data, got.Data)
}

func TestBootloaderFrameRejectsNonBootloaderKind(t *testing.T) {
	b := frame.BootloaderFrame{Command: 0xB1}
	_, err := b.ToBusFrame(frame.KindCAN)
	assert.Error(t, err)
}

func TestBusFrameWireRoundTrip(t *testing.T) {
	bf, err := frame.NewBusFrame(frame.KindCAN, []byte{1, 2, 3})
	require.NoError(t, err)

	wire := bf.MarshalWire()
	assert.Len(t, wire, frame.HeaderSize+3)

	got, consumed, ok, err := frame.UnmarshalWire(wire)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, len(wire), consumed)
	assert.Equal(t, bf.Id, got.Id)
	assert.Equal(t, bf.PayloadSize, got.PayloadSize)
	assert.Equal(t, bf.Payload, got.Payload)
}

func TestBusFrameWireConcatenation(t *testing.T) {
	a, _ := frame.NewBusFrame(frame.KindCAN, []byte{1, 2, 3})
	b, _ := frame.NewBusFrame(frame.KindStatus, []byte{4, 5})

	buf := append(a.MarshalWire(), b.MarshalWire()...)
	buf = append(buf, 0) // terminator

	gotA, n1, ok, err := frame.UnmarshalWire(buf)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.Id, gotA.Id)

	gotB, n2, ok, err := frame.UnmarshalWire(buf[n1:])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b.Id, gotB.Id)

	_, _, ok, err = frame.UnmarshalWire(buf[n1+n2:])
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnmarshalWireEmptyBuffer(t *testing.T) {
	_, _, _, err := frame.UnmarshalWire(nil)
	assert.Error(t, err)
}

func TestIsValidFDLength(t *testing.T) {
	assert.True(t, frame.IsValidFDLength(0))
	assert.True(t, frame.IsValidFDLength(64))
	assert.False(t, frame.IsValidFDLength(7))
}
