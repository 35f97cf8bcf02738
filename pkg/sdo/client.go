package sdo

import (
	"encoding/binary"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"mdlink/pkg/frame"
	"mdlink/pkg/od"
	"mdlink/pkg/status"
)

var sdoLog = log.WithField("service", "sdo.client")

// CANLink is the minimal bridge surface the SDO client needs: send one
// CAN frame, non-blockingly poll for a response addressed to a specific
// drive. Scoping the receive by driveId lets concurrent SDOs to
// different drives (spec.md §5 only disallows same-id concurrency)
// each drain their own response instead of racing over a shared queue.
type CANLink interface {
	SendCanFrame(frame.CANFrame) *status.Error
	ReceiveCanFrameFor(driveId uint8) (frame.CANFrame, bool)
}

// Client is one logical CANopen SDO client endpoint, serialising
// concurrent requests per drive id per spec.md §4.5's "stack serialises
// with a per-id lock".
type Client struct {
	link CANLink

	mu    sync.Mutex
	locks map[uint8]*sync.Mutex
}

func NewClient(link CANLink) *Client {
	return &Client{link: link, locks: make(map[uint8]*sync.Mutex)}
}

func (c *Client) lockFor(driveId uint8) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[driveId]
	if !ok {
		l = &sync.Mutex{}
		c.locks[driveId] = l
	}
	return l
}

// Read performs an expedited or segmented SDO upload (device->host read)
// of (index, subindex), returning a Value tagged with dataType.
func (c *Client) Read(driveId uint8, index uint16, subindex uint8, dataType od.DataType, timeoutMs int) (od.Value, *status.Error) {
	lock := c.lockFor(driveId)
	lock.Lock()
	defer lock.Unlock()

	if timeoutMs <= 0 {
		timeoutMs = defaultTimeoutMs
	}

	req := [8]byte{ccsInitiateUpload, byte(index), byte(index >> 8), subindex}
	resp, serr := c.roundTrip(driveId, req, timeoutMs, index, subindex)
	if serr != nil {
		return od.Value{}, serr
	}

	switch {
	case resp[0] == csAbort:
		return od.Value{}, status.Abort(binary.LittleEndian.Uint32(resp[4:8]))
	case resp[0] == scsUploadSegmented:
		total := binary.LittleEndian.Uint32(resp[4:8])
		data, serr := c.uploadSegments(driveId, int(total), timeoutMs)
		if serr != nil {
			return od.Value{}, serr
		}
		return od.DecodeFromWire(dataType, data), nil
	default:
		x := resp[0] & 0x0F
		n := 4 - ((x >> 2) & 3)
		if int(n) > 4 {
			return od.Value{}, status.New(status.BadResponse, "malformed expedited upload response")
		}
		return od.DecodeFromWire(dataType, resp[4:4+n]), nil
	}
}

func (c *Client) uploadSegments(driveId uint8, total int, timeoutMs int) ([]byte, *status.Error) {
	buf := make([]byte, 0, total)
	toggle := byte(0)
	for {
		req := [8]byte{ccsUploadSegment | (toggle << 4)}
		resp, serr := c.roundTripRaw(driveId, req, timeoutMs)
		if serr != nil {
			return nil, serr
		}
		if resp[0] == csAbort {
			return nil, status.Abort(binary.LittleEndian.Uint32(resp[4:8]))
		}
		count := 7 - ((resp[0] >> 1) & 0x7)
		last := resp[0]&0x1 != 0
		buf = append(buf, resp[1:1+count]...)
		toggle ^= 1
		if last {
			return buf, nil
		}
	}
}

// Write performs an expedited or segmented SDO download (host->device
// write) of value at (index, subindex). value must already be validated
// against the OD entry's tag and limits by the caller (pkg/canopen); this
// client only encodes bytes onto the wire.
func (c *Client) Write(driveId uint8, index uint16, subindex uint8, value od.Value, timeoutMs int) *status.Error {
	lock := c.lockFor(driveId)
	lock.Lock()
	defer lock.Unlock()

	if timeoutMs <= 0 {
		timeoutMs = defaultTimeoutMs
	}

	data := value.Bytes()
	if len(data) <= 4 {
		return c.downloadExpedited(driveId, index, subindex, data, timeoutMs)
	}
	return c.downloadSegmented(driveId, index, subindex, data, timeoutMs)
}

func (c *Client) downloadExpedited(driveId uint8, index uint16, subindex uint8, data []byte, timeoutMs int) *status.Error {
	ctrl := byte(0x23) | ((4 - byte(len(data))) << 2)
	var req [8]byte
	req[0] = ctrl
	req[1] = byte(index)
	req[2] = byte(index >> 8)
	req[3] = subindex
	copy(req[4:], data)

	resp, serr := c.roundTrip(driveId, req, timeoutMs, index, subindex)
	if serr != nil {
		return serr
	}
	if resp[0] == csAbort {
		return status.Abort(binary.LittleEndian.Uint32(resp[4:8]))
	}
	if resp[0] != scsDownloadInitAck {
		return status.New(status.BadResponse, "expedited download not acked")
	}
	return nil
}

func (c *Client) downloadSegmented(driveId uint8, index uint16, subindex uint8, data []byte, timeoutMs int) *status.Error {
	var req [8]byte
	req[0] = ccsInitiateDownload
	req[1] = byte(index)
	req[2] = byte(index >> 8)
	req[3] = subindex
	binary.LittleEndian.PutUint32(req[4:8], uint32(len(data)))

	resp, serr := c.roundTrip(driveId, req, timeoutMs, index, subindex)
	if serr != nil {
		return serr
	}
	if resp[0] == csAbort {
		return status.Abort(binary.LittleEndian.Uint32(resp[4:8]))
	}
	if resp[0] != scsDownloadInitAck {
		return status.New(status.BadResponse, "segmented download initiate not acked")
	}

	toggle := byte(0)
	for offset := 0; offset < len(data); {
		remaining := data[offset:]
		count := len(remaining)
		last := true
		if count > 7 {
			count = 7
			last = false
		}
		var seg [8]byte
		seg[0] = (toggle << 4) | ((7 - byte(count)) << 1)
		if last {
			seg[0] |= 0x01
		}
		copy(seg[1:], remaining[:count])

		segResp, serr := c.roundTripRaw(driveId, seg, timeoutMs)
		if serr != nil {
			return serr
		}
		if segResp[0] == csAbort {
			return status.Abort(binary.LittleEndian.Uint32(segResp[4:8]))
		}
		toggle ^= 1
		offset += count
	}
	return nil
}

// roundTrip sends req on 0x600+driveId and waits for a response on
// 0x580+driveId whose echoed index/subindex match (an abort is accepted
// as is). Non-matching frames are dropped silently and the wait goes on
// until timeoutMs after the first response, matching "a new SDO request
// replaces the pending continuation; any late arrivals matching the
// previous request are dropped silently."
func (c *Client) roundTrip(driveId uint8, req [8]byte, timeoutMs int, index uint16, subindex uint8) ([8]byte, *status.Error) {
	resp, serr := c.roundTripRaw(driveId, req, timeoutMs)
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for serr == nil && resp[0] != csAbort && (uint16(resp[1])|uint16(resp[2])<<8 != index || resp[3] != subindex) {
		if !time.Now().Before(deadline) {
			return [8]byte{}, status.New(status.ResponseTimeout, "sdo response timeout")
		}
		cf, ok := c.link.ReceiveCanFrameFor(driveId)
		if !ok || cf.CanId != cobidSDOResponse+uint16(driveId) {
			time.Sleep(100 * time.Microsecond)
			continue
		}
		resp = [8]byte{}
		copy(resp[:], cf.Data())
	}
	if serr != nil {
		return [8]byte{}, serr
	}
	return resp, nil
}

func (c *Client) roundTripRaw(driveId uint8, req [8]byte, timeoutMs int) ([8]byte, *status.Error) {
	canId := cobidSDOBase + uint16(driveId)
	cf, err := frame.NewCANFrame(canId, req[:])
	if err != nil {
		return [8]byte{}, status.Newf(status.BadResponse, "%v", err)
	}
	if serr := c.link.SendCanFrame(cf); serr != nil {
		return [8]byte{}, serr
	}

	expectId := cobidSDOResponse + uint16(driveId)
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for time.Now().Before(deadline) {
		cf, ok := c.link.ReceiveCanFrameFor(driveId)
		if !ok {
			time.Sleep(100 * time.Microsecond)
			continue
		}
		if cf.CanId != expectId {
			continue // not this endpoint's response; drop
		}
		var out [8]byte
		copy(out[:], cf.Data())
		return out, nil
	}
	return [8]byte{}, status.New(status.ResponseTimeout, "sdo response timeout")
}
