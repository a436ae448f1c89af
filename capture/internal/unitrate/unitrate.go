// Package unitrate measures the arrival rate of transfer units during the
// warm-up window of a capture session.
package unitrate

import (
	"math"
	"time"
)

const (
	// rateStabilityThreshold: stddev of the instantaneous rate must stay
	// under 15% of the mean rate.
	rateStabilityThreshold = 0.15

	// jitterStabilityThreshold: mean jitter must stay under 20% of the
	// expected inter-unit interval.
	jitterStabilityThreshold = 0.20
)

// Stats summarises unit arrival times.
type Stats struct {
	Units    int
	Duration time.Duration

	// Units per second
	RateMean   float64
	RateStdDev float64
	RateMin    float64
	RateMax    float64

	// Deviation from the expected interval, in seconds
	JitterMean   float64
	JitterStdDev float64
	JitterMax    float64

	IsStable bool
}

// Calculate builds Stats from arrival times collected over total.
func Calculate(arrivals []time.Time, total time.Duration) Stats {
	n := len(arrivals)
	st := Stats{Units: n, Duration: total}

	if n == 0 || total <= 0 {
		return st
	}

	st.RateMean = float64(n) / total.Seconds()

	rates := make([]float64, 0, n-1)
	intervals := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		dt := arrivals[i].Sub(arrivals[i-1]).Seconds()
		intervals = append(intervals, dt)
		if dt > 0 {
			rates = append(rates, 1/dt)
		}
	}

	if len(rates) == 0 {
		return st
	}

	st.RateMin, st.RateMax = rates[0], rates[0]
	var sq float64
	for _, r := range rates {
		st.RateMin = math.Min(st.RateMin, r)
		st.RateMax = math.Max(st.RateMax, r)
		d := r - st.RateMean
		sq += d * d
	}
	st.RateStdDev = math.Sqrt(sq / float64(len(rates)))

	expected := 1 / st.RateMean
	var jsum, jsq float64
	for _, dt := range intervals {
		j := math.Abs(dt - expected)
		jsum += j
		st.JitterMax = math.Max(st.JitterMax, j)
	}
	st.JitterMean = jsum / float64(len(intervals))
	for _, dt := range intervals {
		d := math.Abs(dt-expected) - st.JitterMean
		jsq += d * d
	}
	st.JitterStdDev = math.Sqrt(jsq / float64(len(intervals)))

	st.IsStable = st.RateStdDev < st.RateMean*rateStabilityThreshold &&
		st.JitterMean < expected*jitterStabilityThreshold

	return st
}

// Deviation returns |mean - expected| / expected (0 when expected <= 0).
func (s Stats) Deviation(expected float64) float64 {
	if expected <= 0 {
		return 0
	}
	return math.Abs(s.RateMean-expected) / expected
}
