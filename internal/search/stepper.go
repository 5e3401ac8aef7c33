package search

import (
	"iter"
	"math/rand/v2"

	"github.com/saltfish/wfsearch/internal/domain"
	"github.com/saltfish/wfsearch/internal/strategy"
)

// GridStepper yields the cartesian product of every parameter's values.
// The last parameter varies fastest.
type GridStepper struct{}

// Step implements strategy.Stepper.
func (GridStepper) Step(space strategy.Space) iter.Seq[domain.ParameterSet] {
	s, _ := space.(Space)
	return func(yield func(domain.ParameterSet) bool) {
		if Count(s) == 0 {
			return
		}
		idx := make([]int, len(s))
		for {
			if !yield(s.at(idx)) {
				return
			}
			// odometer increment
			i := len(s) - 1
			for ; i >= 0; i-- {
				idx[i]++
				if idx[i] < s[i].Len() {
					break
				}
				idx[i] = 0
			}
			if i < 0 {
				return
			}
		}
	}
}

// RandomStepper yields Samples distinct grid points chosen by a seeded generator.
// The same seed always yields the same sequence. When Samples exceeds the grid size the
// whole grid is yielded in random order.
type RandomStepper struct {
	Samples int
	Seed    uint64
}

// Step implements strategy.Stepper.
func (r RandomStepper) Step(space strategy.Space) iter.Seq[domain.ParameterSet] {
	s, _ := space.(Space)
	return func(yield func(domain.ParameterSet) bool) {
		total := Count(s)
		want := min(r.Samples, total)
		if want <= 0 {
			return
		}

		rng := rand.New(rand.NewPCG(r.Seed, r.Seed^0x9e3779b97f4a7c15))
		seen := make(map[string]bool, want)
		idx := make([]int, len(s))
		for len(seen) < want {
			for i, p := range s {
				idx[i] = rng.IntN(p.Len())
			}
			set := s.at(idx)
			key := set.Key()
			if seen[key] {
				continue
			}
			seen[key] = true
			if !yield(set) {
				return
			}
		}
	}
}

// NewStepper builds the stepper described by settings.
func NewStepper(settings Settings) (strategy.Stepper, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if settings.Mode == ModeRandom {
		return RandomStepper{Samples: settings.Samples, Seed: settings.Seed}, nil
	}
	return GridStepper{}, nil
}
