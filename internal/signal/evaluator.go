// Package signal evaluates condition groups over indicator snapshot values.
// Evaluation is pure: no state, no side effects, safe to call repeatedly for
// both live decisioning and display.
package signal

import (
	"errors"
	"fmt"

	"trading-core/internal/indicator"
)

// Operator combines a group's conditions.
type Operator string

const (
	OperatorAnd Operator = "AND"
	OperatorOr  Operator = "OR"
)

// Comparator relates an indicator value to a threshold.
type Comparator string

const (
	CompGT  Comparator = "GT"
	CompGTE Comparator = "GTE"
	CompLT  Comparator = "LT"
	CompLTE Comparator = "LTE"
)

var ErrInvalidGroup = errors.New("invalid condition group")

// Condition is a single threshold test against an indicator variant.
type Condition struct {
	VariantID  string     `json:"variant_id"`
	Comparator Comparator `json:"comparator"`
	Threshold  float64    `json:"threshold"`
}

// ConditionGroup is a named boolean expression over indicator values, e.g.
// the "S1" entry group or the "Z1" exit group of a strategy. Groups are
// loaded from the strategy definition and immutable for the session.
type ConditionGroup struct {
	Name       string      `json:"name"`
	Operator   Operator    `json:"operator"`
	Conditions []Condition `json:"conditions"`
}

// Validate checks the group definition at load time.
func (g ConditionGroup) Validate() error {
	if g.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidGroup)
	}
	if g.Operator != OperatorAnd && g.Operator != OperatorOr {
		return fmt.Errorf("%w: group %s has unknown operator %q", ErrInvalidGroup, g.Name, g.Operator)
	}
	if len(g.Conditions) == 0 {
		return fmt.Errorf("%w: group %s has no conditions", ErrInvalidGroup, g.Name)
	}
	for i, c := range g.Conditions {
		if c.VariantID == "" {
			return fmt.Errorf("%w: group %s condition %d has empty variant id", ErrInvalidGroup, g.Name, i)
		}
		switch c.Comparator {
		case CompGT, CompGTE, CompLT, CompLTE:
		default:
			return fmt.Errorf("%w: group %s condition %d has unknown comparator %q",
				ErrInvalidGroup, g.Name, i, c.Comparator)
		}
	}
	return nil
}

// ConditionResult is the outcome of a single condition.
type ConditionResult struct {
	VariantID  string     `json:"variant_id"`
	Comparator Comparator `json:"comparator"`
	Threshold  float64    `json:"threshold"`
	Value      float64    `json:"value"`
	Ready      bool       `json:"ready"`
	Met        bool       `json:"met"`
}

// Result is the outcome of evaluating a group.
type Result struct {
	Group   string            `json:"group"`
	AllMet  bool              `json:"all_met"`
	Results []ConditionResult `json:"results"`
}

// Evaluator evaluates condition groups against engine snapshots.
type Evaluator struct {
	engine *indicator.Engine
}

// NewEvaluator creates an evaluator reading from the given engine.
func NewEvaluator(engine *indicator.Engine) *Evaluator {
	return &Evaluator{engine: engine}
}

// Evaluate evaluates a group for a symbol against the engine's current
// snapshot. A condition whose variant is not ready counts as unmet; it never
// silently passes on a stale or zero value.
func (ev *Evaluator) Evaluate(symbol string, group ConditionGroup) Result {
	return EvaluateSnapshot(ev.engine.Snapshot(symbol), group)
}

// EvaluateSnapshot evaluates a group against an explicit snapshot. Exposed
// so callers holding a consistent snapshot can evaluate several groups
// against the same values.
func EvaluateSnapshot(snapshot map[string]indicator.Value, group ConditionGroup) Result {
	result := Result{
		Group:   group.Name,
		Results: make([]ConditionResult, 0, len(group.Conditions)),
	}

	met := 0
	for _, c := range group.Conditions {
		cr := ConditionResult{
			VariantID:  c.VariantID,
			Comparator: c.Comparator,
			Threshold:  c.Threshold,
		}
		if v, ok := snapshot[c.VariantID]; ok {
			cr.Ready = true
			cr.Value = v.Value
			cr.Met = compare(v.Value, c.Comparator, c.Threshold)
		}
		if cr.Met {
			met++
		}
		result.Results = append(result.Results, cr)
	}

	switch group.Operator {
	case OperatorAnd:
		result.AllMet = met == len(group.Conditions)
	case OperatorOr:
		result.AllMet = met > 0
	}
	return result
}

func compare(value float64, cmp Comparator, threshold float64) bool {
	switch cmp {
	case CompGT:
		return value > threshold
	case CompGTE:
		return value >= threshold
	case CompLT:
		return value < threshold
	case CompLTE:
		return value <= threshold
	default:
		return false
	}
}
