package training

import (
	"fmt"

	"github.com/montanaflynn/stats"
)

// LossSummary aggregates the per-batch losses of a training run
type LossSummary struct {
	Count  int
	Mean   float64
	Median float64
	StdDev float64
	Min    float64
	Max    float64
}

// SummarizeLosses computes summary statistics over recorded batch losses
func SummarizeLosses(losses []float64) (*LossSummary, error) {
	if len(losses) == 0 {
		return nil, fmt.Errorf("no losses recorded")
	}

	data := stats.Float64Data(losses)

	mean, err := data.Mean()
	if err != nil {
		return nil, fmt.Errorf("mean: %v", err)
	}
	median, err := data.Median()
	if err != nil {
		return nil, fmt.Errorf("median: %v", err)
	}
	stdDev, err := data.StandardDeviation()
	if err != nil {
		return nil, fmt.Errorf("standard deviation: %v", err)
	}
	min, err := data.Min()
	if err != nil {
		return nil, fmt.Errorf("min: %v", err)
	}
	max, err := data.Max()
	if err != nil {
		return nil, fmt.Errorf("max: %v", err)
	}

	return &LossSummary{
		Count:  len(losses),
		Mean:   mean,
		Median: median,
		StdDev: stdDev,
		Min:    min,
		Max:    max,
	}, nil
}

func (s *LossSummary) String() string {
	return fmt.Sprintf("loss over %d batches: mean %.4f, median %.4f, stddev %.4f, min %.4f, max %.4f",
		s.Count, s.Mean, s.Median, s.StdDev, s.Min, s.Max)
}
