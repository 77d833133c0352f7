package relay

import (
	"log/slog"
	"time"

	"github.com/ARPOISE/NdServer/pkg/metrics"
)

// statsIntervalSeconds is the size of the per-second ring, one bucket
// more than the largest window so a partially filled current second
// never leaks into the 60 second aggregate.
const statsIntervalSeconds = 61

type statsBucket struct {
	second          int64
	packetsReceived uint64
	bytesReceived   uint64
	packetsSent     uint64
	bytesSent       uint64
}

// trafficStats keeps per-second throughput buckets indexed by wall
// clock second modulo the interval. Stale buckets are zeroed lazily the
// first time their slot is touched again.
type trafficStats struct {
	buckets [statsIntervalSeconds]statsBucket
	clock   func() time.Time
}

func newTrafficStats(clock func() time.Time) *trafficStats {
	return &trafficStats{clock: clock}
}

func (s *trafficStats) bucket() *statsBucket {
	now := s.clock().Unix()
	b := &s.buckets[now%statsIntervalSeconds]
	if b.second != now {
		*b = statsBucket{second: now}
	}
	return b
}

// countRead counts one received packet of nBytes. A negative count only
// touches the current bucket so an idle second reads as zero.
func (s *trafficStats) countRead(nBytes int) {
	b := s.bucket()
	if nBytes >= 0 {
		b.bytesReceived += uint64(nBytes)
		b.packetsReceived++
		metrics.PacketsReceived.Inc()
		metrics.BytesReceived.Add(float64(nBytes))
	}
}

// countSent counts one sent packet of nBytes, negative counts only
// touch the bucket.
func (s *trafficStats) countSent(nBytes int) {
	b := s.bucket()
	if nBytes >= 0 {
		b.bytesSent += uint64(nBytes)
		b.packetsSent++
		metrics.PacketsSent.Inc()
		metrics.BytesSent.Add(float64(nBytes))
	}
}

// lastNSeconds aggregates the completed seconds of the last n seconds,
// n is clamped to 1..statsIntervalSeconds-1.
func (s *trafficStats) lastNSeconds(n int) (packetsReceived, bytesReceived, packetsSent, bytesSent uint64) {
	if n < 1 {
		n = 1
	} else if n >= statsIntervalSeconds {
		n = statsIntervalSeconds - 1
	}

	now := s.clock().Unix()
	cutoff := now - statsIntervalSeconds
	idx := int(now % statsIntervalSeconds)

	// Start with the second that just elapsed
	for i := 0; i < n; i++ {
		idx--
		if idx < 0 {
			idx = statsIntervalSeconds - 1
		}
		b := &s.buckets[idx]
		if b.second > cutoff {
			packetsReceived += b.packetsReceived
			bytesReceived += b.bytesReceived
			packetsSent += b.packetsSent
			bytesSent += b.bytesSent
		}
	}
	return
}

// logThroughput writes the 1, 10 and 60 second aggregates.
func (s *trafficStats) logThroughput(log *slog.Logger) {
	pr, br, ps, bs := s.lastNSeconds(1)
	log.Info("stats.second",
		"packetsReceived", pr, "bytesReceived", br, "packetsSent", ps, "bytesSent", bs)

	pr, br, ps, bs = s.lastNSeconds(10)
	log.Info("stats.avg10s",
		"packetsReceived", pr/10, "bytesReceived", br/10, "packetsSent", ps/10, "bytesSent", bs/10)

	pr, br, ps, bs = s.lastNSeconds(60)
	log.Info("stats.avg60s",
		"packetsReceived", pr/60, "bytesReceived", br/60, "packetsSent", ps/60, "bytesSent", bs/60)
}
