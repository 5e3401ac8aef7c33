// Package planner partitions an evaluation period into walk-forward iterations.
package planner

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/saltfish/wfsearch/internal/domain"
)

// Window pairs the two halves of one walk-forward iteration.
type Window struct {
	Index       int              `json:"index"`
	InSample    domain.Iteration `json:"in_sample"`
	OutOfSample domain.Iteration `json:"out_of_sample"`
}

// Split divides [Start, End) into settings.Iterations equal super-windows and cuts each
// one at PercentIn into an in-sample and an out-of-sample window.
// The result alternates InSample, OutOfSample and has 2*Iterations entries.
func Split(settings domain.WalkforwardSettings) ([]domain.Iteration, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if settings.Iterations == 0 {
		return []domain.Iteration{}, nil
	}

	length := settings.End.Sub(settings.Start) / time.Duration(settings.Iterations)
	ratio := settings.InSampleRatio()

	iterations := make([]domain.Iteration, 0, 2*settings.Iterations)
	for i := 0; i < settings.Iterations; i++ {
		superStart := settings.Start.Add(length * time.Duration(i))
		superEnd := superStart.Add(length)
		splitPoint := superStart.Add(scale(superEnd.Sub(superStart), ratio))

		iterations = append(iterations,
			domain.NewIteration(domain.InSample, superStart, splitPoint),
			domain.NewIteration(domain.OutOfSample, splitPoint, superEnd),
		)
	}
	return iterations, nil
}

// Windows groups the flat output of Split into per-iteration pairs.
func Windows(iterations []domain.Iteration) []Window {
	windows := make([]Window, 0, len(iterations)/2)
	for i := 0; i+1 < len(iterations); i += 2 {
		windows = append(windows, Window{
			Index:       i / 2,
			InSample:    iterations[i],
			OutOfSample: iterations[i+1],
		})
	}
	return windows
}

// Plan runs Split and returns the paired windows.
func Plan(settings domain.WalkforwardSettings) ([]Window, error) {
	iterations, err := Split(settings)
	if err != nil {
		return nil, err
	}
	return Windows(iterations), nil
}

// scale multiplies d by ratio, truncating to the nanosecond.
func scale(d time.Duration, ratio decimal.Decimal) time.Duration {
	return time.Duration(decimal.NewFromInt(int64(d)).Mul(ratio).IntPart())
}
