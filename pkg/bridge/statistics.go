package bridge

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"mdlink/pkg/frame"
)

var statsLog = log.WithField("service", "bridge.statistics")

// Statistics is the last observed RX/TX FIFO occupancy and bus error
// state, as reported by incoming StatusFrames.
type Statistics struct {
	mu       sync.Mutex
	rxAvg    uint8
	rxPeak   uint8
	txAvg    uint8
	txPeak   uint8
	busState uint8

	warnedHigh  bool
	warnedAlarm bool
}

// Observe records a status report and logs a watchdog warning/error when
// occupancy crosses 50%/99%.
func (s *Statistics) Observe(sf frame.StatusFrame) {
	s.mu.Lock()
	s.rxAvg, s.rxPeak = sf.RxAvgPercent, sf.RxPeakPercent
	s.txAvg, s.txPeak = sf.TxAvgPercent, sf.TxPeakPercent
	s.busState = sf.BusState
	s.mu.Unlock()

	peak := sf.RxPeakPercent
	if sf.TxPeakPercent > peak {
		peak = sf.TxPeakPercent
	}

	switch {
	case peak >= 99:
		if !s.warnedAlarm {
			statsLog.WithField("peak_percent", peak).Error("bus fifo occupancy critical")
			s.warnedAlarm = true
		}
	case peak >= 50:
		if !s.warnedHigh {
			statsLog.WithField("peak_percent", peak).Warn("bus fifo occupancy high")
			s.warnedHigh = true
		}
	default:
		s.warnedHigh, s.warnedAlarm = false, false
	}
}

// Snapshot returns the last observed statistics.
func (s *Statistics) Snapshot() frame.StatusFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return frame.StatusFrame{
		RxAvgPercent:  s.rxAvg,
		RxPeakPercent: s.rxPeak,
		TxAvgPercent:  s.txAvg,
		TxPeakPercent: s.txPeak,
		BusState:      s.busState,
	}
}
