package domain

import (
	"sort"
	"strings"
	"time"
)

// Keys added to every dispatched parameter set.
const (
	ParamStartDate = "start-date"
	ParamEndDate   = "end-date"
)

// DateLayout is the culture-invariant rendering of window bounds.
const DateLayout = "2006-01-02 15:04:05"

// FormatDate renders t with DateLayout in UTC.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// ParseDate parses a value produced by FormatDate.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// ParameterSet maps parameter names to values for one candidate configuration.
type ParameterSet map[string]string

// Annotate writes the iteration window into the set in place.
func (p ParameterSet) Annotate(it Iteration) {
	p[ParamStartDate] = FormatDate(it.Start)
	p[ParamEndDate] = FormatDate(it.End)
}

// Window reads back the window written by Annotate.
func (p ParameterSet) Window() (start, end time.Time, ok bool) {
	s, okS := p[ParamStartDate]
	e, okE := p[ParamEndDate]
	if !okS || !okE {
		return time.Time{}, time.Time{}, false
	}
	start, err := ParseDate(s)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	end, err = ParseDate(e)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

// Clone returns a copy of the set.
func (p ParameterSet) Clone() ParameterSet {
	out := make(ParameterSet, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Search returns the set without the window keys.
func (p ParameterSet) Search() ParameterSet {
	out := make(ParameterSet, len(p))
	for k, v := range p {
		if k == ParamStartDate || k == ParamEndDate {
			continue
		}
		out[k] = v
	}
	return out
}

// Key renders the set as sorted name=value pairs.
func (p ParameterSet) Key() string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, k := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p[k])
	}
	return b.String()
}
