package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatsZeroWithoutTraffic(t *testing.T) {
	clk := newFakeClock()
	stats := newTrafficStats(clk.now)

	for _, n := range []int{1, 10, 60} {
		pr, br, ps, bs := stats.lastNSeconds(n)
		assert.Zero(t, pr)
		assert.Zero(t, br)
		assert.Zero(t, ps)
		assert.Zero(t, bs)
	}
}

func TestStatsCountsCompletedSeconds(t *testing.T) {
	clk := newFakeClock()
	stats := newTrafficStats(clk.now)

	for i := 0; i < 5; i++ {
		stats.countRead(100)
	}
	stats.countSent(40)

	// the current second only counts once it has elapsed
	clk.advance(time.Second)

	pr, br, ps, bs := stats.lastNSeconds(10)
	assert.Equal(t, uint64(5), pr)
	assert.Equal(t, uint64(500), br)
	assert.Equal(t, uint64(1), ps)
	assert.Equal(t, uint64(40), bs)

	pr, br, _, _ = stats.lastNSeconds(1)
	assert.Equal(t, uint64(5), pr)
	assert.Equal(t, uint64(500), br)
}

func TestStatsWindowExcludesOlderTraffic(t *testing.T) {
	clk := newFakeClock()
	stats := newTrafficStats(clk.now)

	stats.countRead(10)
	clk.advance(30 * time.Second)
	stats.countRead(20)
	clk.advance(time.Second)

	pr, br, _, _ := stats.lastNSeconds(10)
	assert.Equal(t, uint64(1), pr)
	assert.Equal(t, uint64(20), br)

	pr, br, _, _ = stats.lastNSeconds(60)
	assert.Equal(t, uint64(2), pr)
	assert.Equal(t, uint64(30), br)
}

func TestStatsBucketReusedAfterInterval(t *testing.T) {
	clk := newFakeClock()
	stats := newTrafficStats(clk.now)

	stats.countRead(10)
	clk.advance(statsIntervalSeconds * time.Second)
	stats.countRead(20)
	clk.advance(time.Second)

	pr, br, _, _ := stats.lastNSeconds(60)
	assert.Equal(t, uint64(1), pr)
	assert.Equal(t, uint64(20), br)
}

func TestStatsIdleTouchKeepsZero(t *testing.T) {
	clk := newFakeClock()
	stats := newTrafficStats(clk.now)

	stats.countRead(-1)
	stats.countSent(-1)
	clk.advance(time.Second)

	pr, br, ps, bs := stats.lastNSeconds(1)
	assert.Zero(t, pr)
	assert.Zero(t, br)
	assert.Zero(t, ps)
	assert.Zero(t, bs)
}
