package domain

import (
	"fmt"
	"strings"
	"time"
)

// AggregationRule selects how a field's readings reduce to one archive value.
type AggregationRule string

const (
	RuleMean AggregationRule = "mean"
	RuleMin  AggregationRule = "min"
	RuleMax  AggregationRule = "max"
	RuleSum  AggregationRule = "sum"
	RuleLast AggregationRule = "last"
)

// ParseAggregationRule normalizes a configured rule name. "avg" and "average"
// are accepted as aliases for mean.
func ParseAggregationRule(s string) (AggregationRule, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mean", "avg", "average":
		return RuleMean, nil
	case "min":
		return RuleMin, nil
	case "max":
		return RuleMax, nil
	case "sum":
		return RuleSum, nil
	case "last":
		return RuleLast, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRule, s)
	}
}

// FieldStats is the running state of one field within an open interval.
// Only non-null values are counted.
type FieldStats struct {
	Count    int       `json:"count"`
	Sum      float64   `json:"sum"`
	Min      float64   `json:"min"`
	Max      float64   `json:"max"`
	Last     float64   `json:"last"`
	LastTime time.Time `json:"last_time"`
}

func (s *FieldStats) observe(v float64, at time.Time) {
	if s.Count == 0 {
		s.Min, s.Max = v, v
	} else {
		s.Min = min(s.Min, v)
		s.Max = max(s.Max, v)
	}
	s.Count++
	s.Sum += v
	if !at.Before(s.LastTime) {
		s.Last = v
		s.LastTime = at
	}
}

// Reduce applies the rule to the statistics. It returns nil when the field
// held no values during the interval.
func (r AggregationRule) Reduce(s FieldStats) *float64 {
	if s.Count == 0 {
		return nil
	}
	switch r {
	case RuleMean:
		return Val(s.Sum / float64(s.Count))
	case RuleMin:
		return Val(s.Min)
	case RuleMax:
		return Val(s.Max)
	case RuleSum:
		return Val(s.Sum)
	default:
		return Val(s.Last)
	}
}
