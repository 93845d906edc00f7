package series

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary describes one series across a set of samples. The statistics are
// zero when Count is zero.
type Summary struct {
	Index    int     `json:"index"`
	Label    string  `json:"label"`
	Count    int     `json:"count"`
	NaNCount int     `json:"nan_count"`
	InfCount int     `json:"inf_count"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Mean     float64 `json:"mean"`
	StdDev   float64 `json:"stddev"`
}

// Summarize computes per-series statistics over finite values. A sample only
// contributes to the series its vector length covers; NaN and infinite values
// are counted but left out of the statistics.
func Summarize(samples []Sample) []Summary {
	width := MaxWidth(samples)
	out := make([]Summary, width)
	values := make([]float64, 0, len(samples))
	for i := 0; i < width; i++ {
		values = values[:0]
		sum := Summary{Index: i, Label: Label(i)}
		for _, s := range samples {
			if i >= len(s.Values) {
				continue
			}
			if math.IsNaN(s.Values[i]) {
				sum.NaNCount++
				continue
			}
			if math.IsInf(s.Values[i], 0) {
				sum.InfCount++
				continue
			}
			values = append(values, s.Values[i])
		}
		sum.Count = len(values)
		switch len(values) {
		case 0:
		case 1:
			sum.Min, sum.Max, sum.Mean = values[0], values[0], values[0]
		default:
			sum.Min = floats.Min(values)
			sum.Max = floats.Max(values)
			sum.Mean, sum.StdDev = stat.MeanStdDev(values, nil)
		}
		out[i] = sum
	}
	return out
}
