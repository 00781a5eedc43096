// Package perfstats keeps running totals, so that we can report averages without keeping samples.
package perfstats

import "time"

type Number interface {
	~int | ~int32 | ~int64 | ~uint32 | ~uint64 | ~float64
}

// Accumulator counts samples, their total, and the largest sample.
// It is not safe for concurrent use.
type Accumulator[T Number] struct {
	Samples int64
	Total   T
	Max     T
}

func (a *Accumulator[T]) Reset() {
	var zero T
	a.Samples = 0
	a.Total = zero
	a.Max = zero
}

func (a *Accumulator[T]) AddSample(v T) {
	if a.Samples == 0 || v > a.Max {
		a.Max = v
	}
	a.Samples++
	a.Total += v
}

func (a *Accumulator[T]) Average() float64 {
	if a.Samples == 0 {
		return 0
	}
	return float64(a.Total) / float64(a.Samples)
}

// Accumulate samples of how long something took
type TimeAccumulator struct {
	Accumulator[time.Duration]
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return a.Total / time.Duration(a.Samples)
}
