// Package util provides shared logging and process-wide counters.
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

// Stats is the process-wide traffic/session counter.
var Stats = &stats{}

type stats struct {
	TotalChannels  atomic.Int64 // cumulative count of opened channels since process start
	ClosedChannels atomic.Int64 // cumulative count of closed channels since process start
	BytesSent      atomic.Int64 // cumulative bytes written to browser carriers
	BytesRecv      atomic.Int64 // cumulative bytes read  from browser carriers
	PolicyDenied   atomic.Int64 // destinations refused by policy
	Anomalies      atomic.Int64 // malformed or misrouted frames that were discarded
}

func (s *stats) AddChannel()    { s.TotalChannels.Add(1) }
func (s *stats) RemoveChannel() { s.ClosedChannels.Add(1) }
func (s *stats) AddSent(n int)  { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)  { s.BytesRecv.Add(int64(n)) }
func (s *stats) AddDenied()     { s.PolicyDenied.Add(1) }
func (s *stats) AddAnomaly()    { s.Anomalies.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs gateway statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevTotal, prevClosed, prevDenied int64
		for {
			select {
			case <-ticker.C:
				total := Stats.TotalChannels.Load()
				closed := Stats.ClosedChannels.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				denied := Stats.PolicyDenied.Load()

				inS := float64(recv-prevRecv) / 10.0
				outS := float64(sent-prevSent) / 10.0
				opened := total - prevTotal
				ended := closed - prevClosed
				refused := denied - prevDenied

				if opened > 0 || ended > 0 || refused > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, opened, ended, refused))
				}

				prevSent = sent
				prevRecv = recv
				prevTotal = total
				prevClosed = closed
				prevDenied = denied

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
func formatStats(inS, outS float64, opened, ended, refused int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Chan: %2d↑ %2d↓ | Denied: %2d",
		formatBytes(inS),
		formatBytes(outS),
		opened,
		ended,
		refused,
	)
}
