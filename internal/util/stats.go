package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide call/signaling/media counter.
var Stats = &stats{}

type stats struct {
	CallsStarted     atomic.Int64 // sessions created (outgoing or incoming)
	CallsEnded       atomic.Int64 // sessions torn down
	SignalsSent      atomic.Int64 // signaling messages handed to the transport successfully
	SignalsFailed    atomic.Int64 // signaling messages the transport failed to deliver
	SignalsRecv      atomic.Int64 // signaling messages dispatched to a handler
	CandidatesAdded  atomic.Int64 // remote ICE candidates applied to a peer connection
	CandidatesFailed atomic.Int64 // remote ICE candidates rejected by the peer connection
	BytesSent        atomic.Int64 // media payload bytes written to local tracks
	BytesRecv        atomic.Int64 // RTP payload bytes read from remote tracks
}

func (s *stats) AddCall()            { s.CallsStarted.Add(1) }
func (s *stats) EndCall()            { s.CallsEnded.Add(1) }
func (s *stats) AddSignalSent()      { s.SignalsSent.Add(1) }
func (s *stats) AddSignalFailed()    { s.SignalsFailed.Add(1) }
func (s *stats) AddSignalRecv()      { s.SignalsRecv.Add(1) }
func (s *stats) AddCandidate()       { s.CandidatesAdded.Add(1) }
func (s *stats) AddCandidateFailed() { s.CandidatesFailed.Add(1) }
func (s *stats) AddSent(n int)       { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)       { s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs media throughput and
// signaling activity every interval. Quiet intervals are skipped. It stops
// when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prevSent, prevRecv, prevSignals int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				signals := Stats.SignalsSent.Load() + Stats.SignalsRecv.Load()

				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs
				sig := signals - prevSignals

				if sig > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, sig, Stats.CandidatesFailed.Load()))
				}

				prevSent = sent
				prevRecv = recv
				prevSignals = signals

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, signals, badCandidates int64) string {
	return fmt.Sprintf("Media in: %s/s | out: %s/s | Signals: %3d | Bad ICE: %d",
		formatBytes(inS),
		formatBytes(outS),
		signals,
		badCandidates,
	)
}
