package loader

import (
	"encoding/binary"
	"time"

	log "github.com/sirupsen/logrus"

	"mdlink/internal/crc"
	"mdlink/pkg/bridge"
	"mdlink/pkg/status"
)

var canLoaderLog = log.WithField("service", "loader.can")

// Phase names one stage of a flashing session, per spec.md §4.7.
type Phase int

const (
	PhaseEnterBootloader Phase = iota
	PhaseInit
	PhaseTransferPages
	PhaseBoot
	PhaseDone
)

// Page/chunk sizing constants, per spec.md §4.7.
const (
	PageSize           = 2048
	ChunkSizeFD        = 64
	ChunkSize1Mbps     = 8
	unsafeModeThreshold = 20 * 1024
)

// MD bootloader command/response codes.
const (
	cmdHostInit          = 0xA0
	cmdHostInitSecondary = 0xA9
	cmdProg              = 0xA1
	cmdBoot              = 0xA2
	cmdCheckCRC          = 0xA3

	respHostInitOK = 0xB0
	respProgOK     = 0xB1
	respBootOK     = 0xB2
	respCRCOK      = 0xB3
	respChunkOK    = 0xB4
)

// Recovery backdoor ids, used in place of (0x680+id, 0x780+id) when the
// drive is in recovery mode.
const (
	RecoveryRequestID  uint16 = 0x002
	RecoveryResponseID uint16 = 0x003
)

const (
	chunkTimeoutMs = 100
	crcTimeoutMs   = 100
	writeTimeoutMs = 3000
	bootTimeoutMs  = 100
	initMaxRetries = 10
)

// CanLoader drives the MD-over-CAN firmware loader state machine.
type CanLoader struct {
	bridge   *bridge.Client
	driveId  uint8
	recovery bool
	chunkSize int

	phase Phase
}

// NewCanLoader wires a loader against driveId. chunkSize should be
// ChunkSizeFD at ≥2 Mbps or ChunkSize1Mbps at 1 Mbps, per spec.md §4.7.
func NewCanLoader(b *bridge.Client, driveId uint8, chunkSize int, recovery bool) *CanLoader {
	return &CanLoader{bridge: b, driveId: driveId, chunkSize: chunkSize, recovery: recovery}
}

// transfer round-trips req through the bridge. The MD bootloader uses
// two independent command/response ids, not a canId+0x80 mask: the
// recovery backdoor pair (0x002, 0x003), or (0x680+id, 0x780+id)
// otherwise, per spec.md §6 and the original MD80Downloader's
// BASE_CMD_ID/BASE_RESP_ID constants.
func (l *CanLoader) transfer(req []byte, expectedRespSize, timeoutMs int) ([]byte, *status.Error) {
	if l.recovery {
		return l.bridge.TransferCanFrameReplyId(RecoveryRequestID, RecoveryResponseID, req, expectedRespSize, timeoutMs)
	}
	return l.bridge.TransferCanFrameReplyId(0x680+uint16(l.driveId), 0x780+uint16(l.driveId), req, expectedRespSize, timeoutMs)
}

// Flash runs the full EnterBootloader -> Init -> TransferPages -> Boot
// sequence against fw, choosing safe mode (every page transferred and
// CRC-checked, then a single write) for images ≤ 20 KiB and unsafe mode
// (a write after each page) above it,
// per spec.md §4.7.
func (l *CanLoader) Flash(fw *Firmware) *status.Error {
	l.phase = PhaseEnterBootloader
	if err := l.enterBootloader(); err != nil {
		return err
	}

	l.phase = PhaseInit
	if err := l.init(fw.Start); err != nil {
		return err
	}

	l.phase = PhaseTransferPages
	unsafeMode := len(fw.Binary[:fw.Size]) > unsafeModeThreshold
	pages := fw.Pages(PageSize)
	for i, page := range pages {
		if err := l.transferPage(page); err != nil {
			return err
		}
		if unsafeMode {
			if err := l.writePage(); err != nil {
				return err
			}
		}
		canLoaderLog.WithFields(log.Fields{"driveId": l.driveId, "page": i + 1, "of": len(pages)}).Debug("page transferred")
	}
	if !unsafeMode {
		if err := l.writePage(); err != nil {
			return err
		}
	}

	l.phase = PhaseBoot
	if err := l.boot(fw.Start); err != nil {
		return err
	}
	l.phase = PhaseDone
	return nil
}

// enterBootloader sends the reset/enter-bootloader preamble. Recovery
// sessions skip the pre-reset, per spec.md §4.7.
func (l *CanLoader) enterBootloader() *status.Error {
	if l.recovery {
		return nil
	}
	if _, err := l.transfer([]byte{cmdHostInitSecondary}, 1, chunkTimeoutMs); err != nil {
		return status.NewLoaderf(status.LoaderKindReset, "enter bootloader preamble failed: %v", err)
	}
	return nil
}

// init sends HOST_INIT carrying the boot address, retrying up to
// initMaxRetries times (indefinitely in recovery mode).
func (l *CanLoader) init(bootAddr uint32) *status.Error {
	req := make([]byte, 5)
	req[0] = cmdHostInit
	binary.LittleEndian.PutUint32(req[1:], bootAddr)

	var lastErr *status.Error
	maxAttempts := initMaxRetries
	for attempt := 0; l.recovery || attempt < maxAttempts; attempt++ {
		resp, err := l.transfer(req, 1, chunkTimeoutMs)
		if err == nil && len(resp) > 0 && resp[0] == respHostInitOK {
			return nil
		}
		lastErr = err
		if lastErr == nil {
			lastErr = status.NewLoader(status.LoaderKindInit, "HOST_INIT not acked")
		}
		if l.recovery {
			time.Sleep(100 * time.Millisecond)
		}
	}
	return status.NewLoaderf(status.LoaderKindInit, "init failed after retries: %v", lastErr)
}

// transferPage sends one page as chunkSize-byte PROG commands, each
// expecting a CHUNK_OK before the next, then a CHECK_CRC for the page.
func (l *CanLoader) transferPage(page []byte) *status.Error {
	for offset := 0; offset < len(page); offset += l.chunkSize {
		end := offset + l.chunkSize
		if end > len(page) {
			end = len(page)
		}
		chunk := page[offset:end]
		req := append([]byte{cmdProg}, chunk...)
		resp, err := l.transfer(req, 1, chunkTimeoutMs)
		if err != nil {
			return status.NewLoaderf(status.LoaderKindFirmware, "chunk transfer failed: %v", err)
		}
		if len(resp) == 0 || resp[0] != respChunkOK {
			return status.NewLoader(status.LoaderKindFirmware, "chunk not acked")
		}
	}

	sum := crc.Page32(page)
	req := make([]byte, 5)
	req[0] = cmdCheckCRC
	binary.LittleEndian.PutUint32(req[1:], sum)
	resp, err := l.transfer(req, 1, crcTimeoutMs)
	if err != nil {
		return status.NewLoaderf(status.LoaderKindFirmware, "crc check failed: %v", err)
	}
	if len(resp) == 0 || resp[0] != respCRCOK {
		return status.NewLoader(status.LoaderKindFirmware, "page crc mismatch")
	}
	return nil
}

// writePage issues PROG's commit (device writes buffered pages to
// flash), waiting up to writeTimeoutMs.
func (l *CanLoader) writePage() *status.Error {
	resp, err := l.transfer([]byte{cmdProg, 0x00}, 1, writeTimeoutMs)
	if err != nil {
		return status.NewLoaderf(status.LoaderKindProg, "write failed: %v", err)
	}
	if len(resp) == 0 || resp[0] != respProgOK {
		return status.NewLoader(status.LoaderKindProg, "write not acked")
	}
	return nil
}

func (l *CanLoader) boot(bootAddr uint32) *status.Error {
	req := make([]byte, 5)
	req[0] = cmdBoot
	binary.LittleEndian.PutUint32(req[1:], bootAddr)
	resp, err := l.transfer(req, 1, bootTimeoutMs)
	if err != nil {
		return status.NewLoaderf(status.LoaderKindBoot, "boot command failed: %v", err)
	}
	if len(resp) == 0 || resp[0] != respBootOK {
		return status.NewLoader(status.LoaderKindBoot, "boot not acked")
	}
	return nil
}
