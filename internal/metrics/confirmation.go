package metrics

import (
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/gateway-fm/votebot/pkg/types"
)

// sampleSize bounds the confirmations kept for percentiles.
const sampleSize = 4096

// Confirmation buckets. Block times are seconds, so one bucket is roughly
// one to a few blocks.
var (
	confirmationBounds = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 15 * time.Second}
	confirmationLabels = []string{"0-1s", "1-2s", "2-5s", "5-15s", "15s+"}
)

// ConfirmationLatency tracks how long confirmed transactions of one kind took
// from submission to the required confirmation depth. Count, mean and extremes
// are exact; percentiles come from a uniform sample of fixed size.
type ConfirmationLatency struct {
	mu sync.Mutex

	count   int
	total   time.Duration
	fastest time.Duration
	slowest time.Duration
	buckets []int

	sample []time.Duration
	size   int
	rng    *rand.Rand
}

// NewConfirmationLatency returns an empty tracker.
func NewConfirmationLatency() *ConfirmationLatency {
	return newConfirmationLatency(sampleSize)
}

func newConfirmationLatency(size int) *ConfirmationLatency {
	return &ConfirmationLatency{
		buckets: make([]int, len(confirmationLabels)),
		sample:  make([]time.Duration, 0, size),
		size:    size,
		rng:     rand.New(rand.NewPCG(uint64(size), 0x766f7465)),
	}
}

// Observe records one confirmation.
func (c *ConfirmationLatency) Observe(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.count++
	c.total += d
	if c.count == 1 || d < c.fastest {
		c.fastest = d
	}
	if d > c.slowest {
		c.slowest = d
	}
	c.buckets[confirmationBucket(d)]++

	// Algorithm R: keep each confirmation with probability size/count.
	if len(c.sample) < c.size {
		c.sample = append(c.sample, d)
		return
	}
	if j := c.rng.IntN(c.count); j < c.size {
		c.sample[j] = d
	}
}

func confirmationBucket(d time.Duration) int {
	for i, bound := range confirmationBounds {
		if d < bound {
			return i
		}
	}
	return len(confirmationBounds)
}

// Stats reports the distribution in milliseconds, or nil before the first
// confirmation.
func (c *ConfirmationLatency) Stats() *types.LatencyStats {
	c.mu.Lock()
	sorted := slices.Clone(c.sample)
	stats := &types.LatencyStats{
		Count: c.count,
		Min:   ms(c.fastest),
		Max:   ms(c.slowest),
	}
	if c.count > 0 {
		stats.Avg = ms(c.total) / float64(c.count)
	}
	for i, label := range confirmationLabels {
		stats.Buckets = append(stats.Buckets, types.LatencyBucket{Label: label, Count: c.buckets[i]})
	}
	c.mu.Unlock()

	if stats.Count == 0 {
		return nil
	}
	slices.Sort(sorted)
	stats.P50 = percentile(sorted, 0.50)
	stats.P75 = percentile(sorted, 0.75)
	stats.P90 = percentile(sorted, 0.90)
	stats.P95 = percentile(sorted, 0.95)
	stats.P99 = percentile(sorted, 0.99)
	return stats
}

// Count returns the number of confirmations observed.
func (c *ConfirmationLatency) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Reset forgets every confirmation.
func (c *ConfirmationLatency) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count, c.total, c.fastest, c.slowest = 0, 0, 0, 0
	c.sample = c.sample[:0]
	clear(c.buckets)
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// percentile interpolates the p-th percentile of sorted, in milliseconds.
func percentile(sorted []time.Duration, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return ms(sorted[0])
	}
	idx := p * float64(len(sorted)-1)
	lower := int(idx)
	if lower+1 >= len(sorted) {
		return ms(sorted[len(sorted)-1])
	}
	frac := idx - float64(lower)
	return ms(sorted[lower])*(1-frac) + ms(sorted[lower+1])*frac
}
