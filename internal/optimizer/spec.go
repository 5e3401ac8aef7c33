// Package optimizer runs walk-forward optimizations: it owns one strategy per run and routes
// job results back to it.
package optimizer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/saltfish/wfsearch/internal/domain"
	"github.com/saltfish/wfsearch/internal/objective"
	"github.com/saltfish/wfsearch/internal/search"
)

// RunSpec describes a walk-forward run: the period and its split, the parameter space,
// how candidates are stepped and scored, and the engine that evaluates them.
type RunSpec struct {
	Name       string                     `json:"name" yaml:"name"`
	Settings   domain.WalkforwardSettings `json:"settings" yaml:"settings"`
	Parameters search.Space               `json:"parameters" yaml:"parameters"`
	Objective  objective.Objective        `json:"objective" yaml:"objective"`
	Search     search.Settings            `json:"search" yaml:"search"`
	Engine     domain.EngineSpec          `json:"engine" yaml:"engine"`
}

// LoadRunSpec reads a run spec from a YAML file. A spec without a name is named after the file.
func LoadRunSpec(path string) (*RunSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run spec: %w", err)
	}

	spec, err := ParseRunSpec(data)
	if err != nil {
		return nil, fmt.Errorf("run spec %s: %w", path, err)
	}
	if spec.Name == "" {
		spec.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return spec, nil
}

// ParseRunSpec decodes a YAML run spec and applies defaults.
func ParseRunSpec(data []byte) (*RunSpec, error) {
	var spec RunSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("%w: failed to parse run spec: %v", domain.ErrInvalidInput, err)
	}
	spec.applyDefaults()
	return &spec, nil
}

func (s *RunSpec) applyDefaults() {
	if s.Search.Mode == "" {
		s.Search.Mode = search.ModeGrid
	}
	if s.Objective.Direction == "" {
		s.Objective.Direction = domain.Maximize
	}
}

// Validate reports every problem with the spec at once.
func (s *RunSpec) Validate() error {
	return multierr.Combine(
		s.Settings.Validate(),
		s.Parameters.Validate(),
		s.Objective.Validate(),
		s.Search.Validate(),
	)
}

// Jobs returns the number of in-sample jobs the run will dispatch.
func (s *RunSpec) Jobs() int {
	perIteration := search.Count(s.Parameters)
	if s.Search.Mode == search.ModeRandom {
		perIteration = min(perIteration, s.Search.Samples)
	}
	return perIteration * s.Settings.Iterations
}
