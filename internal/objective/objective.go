// Package objective scores job results and selects the parameter sets that advance to
// out-of-sample validation.
package objective

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/saltfish/wfsearch/internal/domain"
)

// Objective names the metric to optimize inside a result payload.
type Objective struct {
	// Target is a dotted path into the JSON payload, e.g. "summary.profit_pct".
	Target    string           `json:"target" yaml:"target"`
	Direction domain.Direction `json:"direction" yaml:"direction"`
}

// Validate checks the objective definition.
func (o Objective) Validate() error {
	if strings.TrimSpace(o.Target) == "" {
		return domain.NewConfigurationError("objective.target", "is required")
	}
	if o.Direction != "" && !o.Direction.IsValid() {
		return domain.NewConfigurationError("objective.direction", fmt.Sprintf("unknown direction %q", o.Direction))
	}
	return nil
}

// Better reports whether a is strictly better than b.
func (o Objective) Better(a, b decimal.Decimal) bool {
	if o.Direction == domain.Minimize {
		return a.LessThan(b)
	}
	return a.GreaterThan(b)
}

// Extract reads the target metric from a JSON payload.
func (o Objective) Extract(payload []byte) (decimal.Decimal, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return decimal.Zero, fmt.Errorf("%w: decode result payload: %v", domain.ErrInvalidInput, err)
	}

	node := doc
	for _, key := range strings.Split(o.Target, ".") {
		obj, ok := node.(map[string]any)
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: %q is not an object at %q", domain.ErrInvalidInput, o.Target, key)
		}
		node, ok = obj[key]
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: result has no %q", domain.ErrInvalidInput, o.Target)
		}
	}

	switch v := node.(type) {
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		return ParseNumber(v)
	default:
		return decimal.Zero, fmt.Errorf("%w: %q is %T, not a number", domain.ErrInvalidInput, o.Target, node)
	}
}

var numberNoise = strings.NewReplacer("%", "", "$", "", ",", "", "_", "", " ", "")

// ParseNumber parses metric text such as "12.5%", "$1,000" or "-0.3".
func ParseNumber(s string) (decimal.Decimal, error) {
	cleaned := numberNoise.Replace(strings.TrimSpace(s))
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a number", domain.ErrInvalidInput, s)
	}
	return d, nil
}
