// Package stats has streaming statistics used to summarise training metrics and image data.
package stats

import (
	"fmt"
	"math"
)

// EMA is an exponential moving average over the given number of periods.
// The first value added is taken as is. If Periods <= 1 there is no smoothing.
type EMA struct {
	Periods float64
	Value   float64
	N       int
}

// Add the next value and return the updated average.
func (e *EMA) Add(x float64) float64 {
	e.N++
	if e.N == 1 || e.Periods <= 1 {
		e.Value = x
		return x
	}
	e.Value += 2 / (e.Periods + 1) * (x - e.Value)
	return e.Value
}

// Average accumulates the mean, sample standard deviation and range of a stream of values.
type Average struct {
	Count    int
	Mean     float64
	StdDev   float64
	Min, Max float64
	m2       float64
}

func (a *Average) Add(x float64) {
	a.Count++
	if a.Count == 1 {
		a.Mean, a.Min, a.Max, a.m2 = x, x, x, 0
		a.StdDev = 0
		return
	}
	d := x - a.Mean
	a.Mean += d / float64(a.Count)
	a.m2 += d * (x - a.Mean)
	a.Min, a.Max = math.Min(a.Min, x), math.Max(a.Max, x)
	a.update()
}

// Merge the values accumulated in b
func (a *Average) Merge(b Average) {
	switch {
	case b.Count == 0:
		return
	case a.Count == 0:
		*a = b
		return
	}
	n := a.Count + b.Count
	d := b.Mean - a.Mean
	a.m2 += b.m2 + d*d*float64(a.Count)*float64(b.Count)/float64(n)
	a.Mean += d * float64(b.Count) / float64(n)
	a.Count = n
	a.Min, a.Max = math.Min(a.Min, b.Min), math.Max(a.Max, b.Max)
	a.update()
}

func (a *Average) update() {
	if a.Count > 1 {
		a.StdDev = math.Sqrt(a.m2 / float64(a.Count-1))
	}
}

func (a *Average) Reset() {
	*a = Average{}
}

func (a *Average) String() string {
	return fmt.Sprintf("mean=%.4g stddev=%.4g range=[%.4g, %.4g] n=%d", a.Mean, a.StdDev, a.Min, a.Max, a.Count)
}
