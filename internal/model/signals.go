package model

import "math"

// ewma tracks an exponentially weighted moving average with an online
// variance estimate.
type ewma struct {
	alpha    float64
	mean     float64
	variance float64
	samples  int
}

func newEWMA(alpha float64) *ewma {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.1
	}
	return &ewma{alpha: alpha}
}

func (e *ewma) update(v float64) {
	e.samples++
	if e.samples == 1 {
		e.mean = v
		e.variance = 0
		return
	}
	diff := v - e.mean
	e.mean += e.alpha * diff
	e.variance = (1 - e.alpha) * (e.variance + e.alpha*diff*diff)
}

func (e *ewma) stdDev() float64 {
	if e.samples < 2 {
		return 0
	}
	return math.Sqrt(e.variance)
}

// baseline feeds history (most recent first) into an EWMA oldest first.
func baseline(alpha float64, history []float64) *ewma {
	e := newEWMA(alpha)
	for i := len(history) - 1; i >= 0; i-- {
		e.update(history[i])
	}
	return e
}

// zScore returns the standard score of v against the baseline. ok is false
// when the baseline has no spread.
func zScore(v float64, b *ewma) (z float64, ok bool) {
	sd := b.stdDev()
	if sd <= 0 {
		return 0, false
	}
	return (v - b.mean) / sd, true
}

// trend is a least-squares fit of stock over evenly spaced daily samples.
type trend struct {
	slope     float64 // units per day
	intercept float64
	rSquared  float64
	predicted float64 // fitted value at the last sample
}

// fitTrend returns nil for fewer than two samples.
func fitTrend(values []float64) *trend {
	n := len(values)
	if n < 2 {
		return nil
	}

	var sumX, sumY float64
	for i, v := range values {
		sumX += float64(i)
		sumY += v
	}
	meanX := sumX / float64(n)
	meanY := sumY / float64(n)

	var ssXY, ssXX, ssYY float64
	for i, v := range values {
		dx := float64(i) - meanX
		dy := v - meanY
		ssXY += dx * dy
		ssXX += dx * dx
		ssYY += dy * dy
	}

	slope := ssXY / ssXX
	t := &trend{
		slope:     slope,
		intercept: meanY - slope*meanX,
	}
	if ssYY > 0 {
		t.rSquared = (ssXY * ssXY) / (ssXX * ssYY)
	}
	t.predicted = t.slope*float64(n-1) + t.intercept
	return t
}

// daysToZero projects when the fitted stock reaches zero. ok is false when
// stock is not declining or is already exhausted.
func (t *trend) daysToZero() (days float64, ok bool) {
	if t.slope >= 0 || t.predicted <= 0 {
		return 0, false
	}
	return -t.predicted / t.slope, true
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
