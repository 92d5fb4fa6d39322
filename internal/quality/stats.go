package quality

import (
	"math"

	"github.com/sells-group/extract-router/internal/model"
)

// trendEpsilonPts is the confidence shift, in percentage points, between the
// two halves of the trend window that counts as a real change.
const trendEpsilonPts = 5.0

// running is an online mean and variance (Welford).
type running struct {
	n    int64
	mean float64
	m2   float64
}

func (r *running) add(x float64) {
	r.n++
	d := x - r.mean
	r.mean += d / float64(r.n)
	r.m2 += d * (x - r.mean)
}

// stddev is the population standard deviation.
func (r running) stddev() float64 {
	if r.n < 2 || r.m2 <= 0 {
		return 0
	}
	return math.Sqrt(r.m2 / float64(r.n))
}

// ring keeps the most recent values up to its capacity.
type ring struct {
	buf   []float64
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]float64, capacity)}
}

func (r *ring) push(x float64) {
	if len(r.buf) == 0 {
		return
	}
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = x
		r.size++
		return
	}
	r.buf[r.start] = x
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) full() bool {
	return r.size == len(r.buf)
}

// values returns the buffered values, oldest first.
func (r *ring) values() []float64 {
	out := make([]float64, r.size)
	for i := range out {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// trend compares the mean of the newest half of a full window against the
// half before it.
func (r *ring) trend() model.QualityTrend {
	if !r.full() || r.size < 2 {
		return model.TrendUnknown
	}
	vals := r.values()
	half := len(vals) / 2
	previous := mean(vals[len(vals)-2*half : len(vals)-half])
	recent := mean(vals[len(vals)-half:])

	diff := (recent - previous) * 100
	switch {
	case diff >= trendEpsilonPts-1e-9:
		return model.TrendImproving
	case diff <= -trendEpsilonPts+1e-9:
		return model.TrendDegrading
	default:
		return model.TrendStable
	}
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
