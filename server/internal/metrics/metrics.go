// Package metrics periodically logs rendezvous server stats. Adapted from
// the teacher's top-level RunMetrics ticker-loop pattern.
package metrics

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"meshvoice/server/internal/core"

	"github.com/dustin/go-humanize"
)

// Run logs room and connection counts every interval until ctx is canceled.
// Silent when the server is idle, matching the teacher's "only log when
// something's happening" convention.
func Run(ctx context.Context, rooms *core.Rooms, relayed *RelayCounter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conns := rooms.ConnectionCount()
			roomCount := rooms.RoomCount()
			if conns == 0 && roomCount == 0 {
				continue
			}
			envelopes, bytes := relayed.Snapshot()
			log.Printf("[metrics] rooms=%d connections=%d relayed=%d (%s total)",
				roomCount, conns, envelopes, humanize.Bytes(bytes))
		}
	}
}

// RelayCounter accumulates envelope and byte counts relayed by the
// rendezvous server, for the periodic log line above. Safe for concurrent
// use: written from every connection's goroutine, read from the metrics
// ticker.
type RelayCounter struct {
	envelopes atomic.Uint64
	bytes     atomic.Uint64
}

// Add records one relayed envelope of approxBytes wire size.
func (c *RelayCounter) Add(approxBytes int) {
	c.envelopes.Add(1)
	c.bytes.Add(uint64(approxBytes))
}

// Snapshot returns the accumulated totals so far.
func (c *RelayCounter) Snapshot() (envelopes uint64, bytes uint64) {
	return c.envelopes.Load(), c.bytes.Load()
}
