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

// Stats is the process-wide side-channel counter set.
var Stats = &stats{}

type stats struct {
	Buffers         atomic.Int64 // buffers handed in by the host
	Bytes           atomic.Int64 // bytes of those buffers
	Records         atomic.Int64 // records that passed validation
	Malformed       atomic.Int64 // buffers abandoned on broken framing
	Unterminated    atomic.Int64 // records without a terminator inside their window
	Published       atomic.Int64 // successful pub/sub publishes
	PublishFailures atomic.Int64 // failed pub/sub publishes
	Calls           atomic.Int64 // script callbacks executed on the main loop
	DroppedCalls    atomic.Int64 // script callbacks that could not be queued or failed
}

func (s *stats) AddBuffer(n int)    { s.Buffers.Add(1); s.Bytes.Add(int64(n)) }
func (s *stats) AddRecord()         { s.Records.Add(1) }
func (s *stats) AddMalformed()      { s.Malformed.Add(1) }
func (s *stats) AddUnterminated()   { s.Unterminated.Add(1) }
func (s *stats) AddPublished()      { s.Published.Add(1) }
func (s *stats) AddPublishFailure() { s.PublishFailures.Add(1) }
func (s *stats) AddCall()           { s.Calls.Add(1) }
func (s *stats) AddDroppedCall()    { s.DroppedCalls.Add(1) }

// snapshot is a point-in-time copy used by the reporter.
type snapshot struct {
	buffers, bytes, records, malformed, unterminated int64
	published, failures, calls, dropped              int64
}

func (s *stats) snapshot() snapshot {
	return snapshot{
		buffers:      s.Buffers.Load(),
		bytes:        s.Bytes.Load(),
		records:      s.Records.Load(),
		malformed:    s.Malformed.Load(),
		unterminated: s.Unterminated.Load(),
		published:    s.Published.Load(),
		failures:     s.PublishFailures.Load(),
		calls:        s.Calls.Load(),
		dropped:      s.DroppedCalls.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs side-channel statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		prev := Stats.snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.snapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(prev, cur))
				}
				prev = cur

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

// formatStats returns the delta between two snapshots for display in the logger.
func formatStats(prev, cur snapshot) string {
	secs := reportInterval.Seconds()
	return fmt.Sprintf("In: %s/s in %4d buffers | Records: %4d (malformed %d, unterminated %d) | Published: %4d (errors %d) | Calls: %4d (dropped %d)",
		formatBytes(float64(cur.bytes-prev.bytes)/secs),
		cur.buffers-prev.buffers,
		cur.records-prev.records,
		cur.malformed-prev.malformed,
		cur.unterminated-prev.unterminated,
		cur.published-prev.published,
		cur.failures-prev.failures,
		cur.calls-prev.calls,
		cur.dropped-prev.dropped,
	)
}
