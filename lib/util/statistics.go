package util

import (
	"math"
	"math/bits"
	"sync/atomic"
)

// ----------------------------------------------------------------------------
// Load statistics
// ----------------------------------------------------------------------------

// LoadStats summarizes how evenly work is spread across a set of targets
// (e.g. the depth of every queue or the message count of every receive thread).
type LoadStats struct {
	StdDeviation float64 `json:"std_deviation"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Mean         float64 `json:"mean"`
	MinMaxRatio  float64 `json:"min_max_ratio"`
	// Balance combines the coefficient of variation and the min/max ratio,
	// 1.0 means perfectly even
	Balance float64 `json:"balance"`
}

// NewLoadStats computes LoadStats for the given per-target values
func NewLoadStats(values []float64) LoadStats {
	if len(values) == 0 {
		return LoadStats{}
	}

	lo, hi, sum := values[0], values[0], 0.0
	for _, v := range values {
		sum += v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	std := math.Sqrt(sq / float64(len(values)))

	ratio := 1.0
	if hi > 0 {
		ratio = lo / hi
	}
	var cv float64
	if mean > 0 {
		cv = std / mean
	}

	return LoadStats{
		StdDeviation: std,
		Min:          lo,
		Max:          hi,
		Mean:         mean,
		MinMaxRatio:  ratio,
		Balance:      (1.0-math.Min(1.0, cv))*0.5 + ratio*0.5,
	}
}

// ----------------------------------------------------------------------------
// SizeHistogram
// ----------------------------------------------------------------------------

// histogramBuckets covers sizes up to 2^31 bytes, bucket i holds sizes in (2^(i-1), 2^i]
const histogramBuckets = 32

// SizeHistogram tracks the distribution of message sizes in power of two buckets.
// Samples are recorded with atomic adds so the owning event loop never blocks
// on a concurrent reader.
type SizeHistogram struct {
	buckets [histogramBuckets]atomic.Int64
	count   atomic.Int64
	sum     atomic.Int64
}

// NewSizeHistogram creates an empty histogram
func NewSizeHistogram() *SizeHistogram {
	return &SizeHistogram{}
}

func bucketOf(size int) int {
	if size <= 1 {
		return 0
	}
	b := bits.Len64(uint64(size - 1))
	if b >= histogramBuckets {
		return histogramBuckets - 1
	}
	return b
}

// AddSample records one size
func (h *SizeHistogram) AddSample(size int) {
	if size < 0 {
		size = 0
	}
	h.buckets[bucketOf(size)].Add(1)
	h.count.Add(1)
	h.sum.Add(int64(size))
}

// Count returns the total number of samples
func (h *SizeHistogram) Count() int64 {
	return h.count.Load()
}

// AverageSize returns the mean of all samples
func (h *SizeHistogram) AverageSize() int {
	n := h.count.Load()
	if n == 0 {
		return 0
	}
	return int(h.sum.Load() / n)
}

// Percentile returns the upper bound of the bucket containing the given percentile (0-100)
func (h *SizeHistogram) Percentile(percentile int) int {
	n := h.count.Load()
	if n == 0 || percentile < 0 || percentile > 100 {
		return 0
	}
	target := int64(math.Ceil(float64(n) * float64(percentile) / 100.0))
	if target == 0 {
		target = 1
	}

	var cumulative int64
	for i := range h.buckets {
		cumulative += h.buckets[i].Load()
		if cumulative >= target {
			return 1 << i
		}
	}
	return 1 << (histogramBuckets - 1)
}

// Reset clears all samples. Concurrent AddSample calls may survive the reset.
func (h *SizeHistogram) Reset() {
	for i := range h.buckets {
		h.buckets[i].Store(0)
	}
	h.count.Store(0)
	h.sum.Store(0)
}
