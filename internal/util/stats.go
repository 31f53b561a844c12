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

// Stats is the process-wide media/signaling counter.
var Stats = &stats{}

type stats struct {
	CandidatesSent    atomic.Int64 // local ICE candidates forwarded to the remote party
	CandidatesApplied atomic.Int64 // remote ICE candidates applied to the peer connection
	PacketsRecv       atomic.Int64 // RTP packets read from remote tracks
	BytesRecv         atomic.Int64 // RTP payload bytes read from remote tracks
	SamplesSent       atomic.Int64 // local samples written to outbound tracks
}

func (s *stats) AddCandidateSent()    { s.CandidatesSent.Add(1) }
func (s *stats) AddCandidateApplied() { s.CandidatesApplied.Add(1) }
func (s *stats) AddSample()           { s.SamplesSent.Add(1) }
func (s *stats) AddRecv(n int) {
	s.PacketsRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs media statistics
// every interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevBytes, prevPackets, prevSamples int64
		for {
			select {
			case <-ticker.C:
				bytes := Stats.BytesRecv.Load()
				packets := Stats.PacketsRecv.Load()
				samples := Stats.SamplesSent.Load()

				rate := float64(bytes-prevBytes) / interval.Seconds()
				if packets > prevPackets || samples > prevSamples {
					pterm.DefaultLogger.Info(formatStats(rate, packets-prevPackets, samples-prevSamples,
						Stats.CandidatesSent.Load(), Stats.CandidatesApplied.Load()))
				}

				prevBytes = bytes
				prevPackets = packets
				prevSamples = samples

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
func formatStats(rate float64, packets, samples, candSent, candApplied int64) string {
	return fmt.Sprintf("Media in: %s/s (%d pkts) | out: %d samples | ICE: %d sent, %d applied",
		formatBytes(rate),
		packets,
		samples,
		candSent,
		candApplied,
	)
}
