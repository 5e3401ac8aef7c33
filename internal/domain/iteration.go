package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Iteration is one half of a walk-forward step: a search window or a validation window.
// The window is half-open, [Start, End).
type Iteration struct {
	Kind  IterationKind `json:"kind"`
	Start time.Time     `json:"start"`
	End   time.Time     `json:"end"`
}

// NewIteration creates a new Iteration.
func NewIteration(kind IterationKind, start, end time.Time) Iteration {
	return Iteration{Kind: kind, Start: start, End: end}
}

// Duration returns the length of the window.
func (it Iteration) Duration() time.Duration {
	return it.End.Sub(it.Start)
}

// Contains reports whether t falls inside [Start, End).
func (it Iteration) Contains(t time.Time) bool {
	return !t.Before(it.Start) && t.Before(it.End)
}

// hundred is the exact sum the two sample percentages must reach.
var hundred = decimal.NewFromInt(100)

// WalkforwardSettings configures how an evaluation period is partitioned.
type WalkforwardSettings struct {
	Start      time.Time       `json:"start" yaml:"start"`
	End        time.Time       `json:"end" yaml:"end"`
	Iterations int             `json:"iterations" yaml:"iterations"`
	PercentIn  decimal.Decimal `json:"percent_in" yaml:"percent_in"`
	PercentOut decimal.Decimal `json:"percent_out" yaml:"percent_out"`
}

// settingsDoc is the decoded form of WalkforwardSettings. Its timestamps accept
// date-only and space-separated values, quoted or not.
type settingsDoc struct {
	Start      timestamp       `json:"start" yaml:"start"`
	End        timestamp       `json:"end" yaml:"end"`
	Iterations int             `json:"iterations" yaml:"iterations"`
	PercentIn  decimal.Decimal `json:"percent_in" yaml:"percent_in"`
	PercentOut decimal.Decimal `json:"percent_out" yaml:"percent_out"`
}

func (d settingsDoc) settings() WalkforwardSettings {
	return WalkforwardSettings{
		Start:      time.Time(d.Start),
		End:        time.Time(d.End),
		Iterations: d.Iterations,
		PercentIn:  d.PercentIn,
		PercentOut: d.PercentOut,
	}
}

func (s *WalkforwardSettings) UnmarshalJSON(data []byte) error {
	var doc settingsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	*s = doc.settings()
	return nil
}

func (s *WalkforwardSettings) UnmarshalYAML(node *yaml.Node) error {
	var doc settingsDoc
	if err := node.Decode(&doc); err != nil {
		return err
	}
	*s = doc.settings()
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	time.DateOnly,
}

// ParseTimestamp parses RFC 3339 timestamps and the shorter forms run specs use.
// Values without a zone are UTC.
func ParseTimestamp(v string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognised timestamp %q", ErrInvalidInput, v)
}

type timestamp time.Time

func (t *timestamp) UnmarshalText(text []byte) error {
	parsed, err := ParseTimestamp(string(text))
	if err != nil {
		return err
	}
	*t = timestamp(parsed)
	return nil
}

func (t *timestamp) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: line %d: timestamp must be a scalar", ErrInvalidInput, node.Line)
	}
	return t.UnmarshalText([]byte(node.Value))
}

// ValidateSplit checks that the in-sample and out-of-sample percentages sum to exactly 100.
func (s WalkforwardSettings) ValidateSplit() error {
	if !s.PercentIn.Add(s.PercentOut).Equal(hundred) {
		return NewConfigurationError("percent_in/percent_out",
			"sum of sample split percentages must equal 100.0, got "+s.PercentIn.Add(s.PercentOut).String())
	}
	return nil
}

// Validate checks every field of the settings.
func (s WalkforwardSettings) Validate() error {
	if err := s.ValidateSplit(); err != nil {
		return err
	}
	if s.PercentIn.IsNegative() || s.PercentOut.IsNegative() {
		return NewConfigurationError("percent_in/percent_out", "percentages must be non-negative")
	}
	if s.Iterations < 0 {
		return NewConfigurationError("iterations", "must be non-negative")
	}
	if s.Iterations > 0 && !s.End.After(s.Start) {
		return NewConfigurationError("end", "must be after start")
	}
	return nil
}

// InSampleRatio returns PercentIn as a fraction of one.
func (s WalkforwardSettings) InSampleRatio() decimal.Decimal {
	return s.PercentIn.Div(hundred)
}
