// Package search enumerates candidate parameter sets over a declared parameter space.
package search

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/saltfish/wfsearch/internal/domain"
)

// Parameter is one searchable dimension: the values Min, Min+Step, ... up to Max inclusive.
type Parameter struct {
	Name string          `json:"name" yaml:"name"`
	Min  decimal.Decimal `json:"min" yaml:"min"`
	Max  decimal.Decimal `json:"max" yaml:"max"`
	Step decimal.Decimal `json:"step" yaml:"step"`
}

// Validate checks the bounds and step of the parameter.
func (p Parameter) Validate() error {
	if p.Name == "" {
		return domain.NewConfigurationError("parameters.name", "is required")
	}
	if p.Name == domain.ParamStartDate || p.Name == domain.ParamEndDate {
		return domain.NewConfigurationError("parameters."+p.Name, "name is reserved for the iteration window")
	}
	if p.Max.LessThan(p.Min) {
		return domain.NewConfigurationError("parameters."+p.Name, "max must not be below min")
	}
	if p.Step.IsNegative() {
		return domain.NewConfigurationError("parameters."+p.Name, "step must not be negative")
	}
	if p.Step.IsZero() && !p.Min.Equal(p.Max) {
		return domain.NewConfigurationError("parameters."+p.Name, "step must be positive when min and max differ")
	}
	return nil
}

// Len returns the number of values the parameter takes.
func (p Parameter) Len() int {
	if p.Step.IsZero() {
		return 1
	}
	return int(p.Max.Sub(p.Min).Div(p.Step).Floor().IntPart()) + 1
}

// Value returns the i-th value of the parameter.
func (p Parameter) Value(i int) decimal.Decimal {
	return p.Min.Add(p.Step.Mul(decimal.NewFromInt(int64(i))))
}

// Values returns every value of the parameter in ascending order.
func (p Parameter) Values() []decimal.Decimal {
	n := p.Len()
	out := make([]decimal.Decimal, n)
	for i := range n {
		out[i] = p.Value(i)
	}
	return out
}

// Space is the declared parameter space of a run.
type Space []Parameter

// Names returns the parameter names in declaration order.
func (s Space) Names() []string {
	names := make([]string, len(s))
	for i, p := range s {
		names[i] = p.Name
	}
	return names
}

// Validate checks every parameter and rejects duplicate names.
func (s Space) Validate() error {
	if len(s) == 0 {
		return domain.NewConfigurationError("parameters", "at least one parameter is required")
	}
	seen := make(map[string]bool, len(s))
	for _, p := range s {
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return domain.NewConfigurationError("parameters."+p.Name, "duplicate parameter name")
		}
		seen[p.Name] = true
	}
	return nil
}

// Count returns the number of grid points in the space.
func Count(s Space) int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, p := range s {
		n *= p.Len()
	}
	return n
}

// at renders the grid point whose per-parameter indexes are idx.
func (s Space) at(idx []int) domain.ParameterSet {
	set := make(domain.ParameterSet, len(s)+2)
	for i, p := range s {
		set[p.Name] = p.Value(idx[i]).String()
	}
	return set
}

// Mode selects a stepping algorithm.
type Mode string

const (
	ModeGrid   Mode = "grid"
	ModeRandom Mode = "random"
)

// IsValid checks if the mode is a known value.
func (m Mode) IsValid() bool {
	switch m {
	case ModeGrid, ModeRandom:
		return true
	}
	return false
}

// Settings chooses and configures a stepper.
type Settings struct {
	Mode    Mode   `json:"mode" yaml:"mode"`
	Samples int    `json:"samples,omitempty" yaml:"samples"`
	Seed    uint64 `json:"seed,omitempty" yaml:"seed"`
}

// Validate checks the stepper settings.
func (s Settings) Validate() error {
	if !s.Mode.IsValid() {
		return domain.NewConfigurationError("search.mode", fmt.Sprintf("unknown mode %q", s.Mode))
	}
	if s.Mode == ModeRandom && s.Samples <= 0 {
		return domain.NewConfigurationError("search.samples", "must be positive for random search")
	}
	return nil
}
