package decay

import "math"

// Strategy defines the interface for step-down calculation algorithms.
// This allows for extensible decay behavior while keeping the controller's
// recovery loop independent of the curve shape.
type Strategy interface {
	// Step returns the next concurrency value when stepping down from
	// current toward baseline. Implementations never overshoot baseline
	// and always make progress while current > baseline.
	Step(current, baseline int) int
}

// LinearStepStrategy steps down by a fixed amount per interval. This is the
// predictable default: a burst grant of +6 with step 2 drains in three
// intervals.
type LinearStepStrategy struct {
	// StepSize is the amount removed per step. Values below 1 behave as 1.
	StepSize int
}

// Step implements the Strategy interface for linear decay.
func (s LinearStepStrategy) Step(current, baseline int) int {
	if current <= baseline {
		return baseline
	}
	step := s.StepSize
	if step < 1 {
		step = 1
	}
	next := current - step
	if next < baseline {
		next = baseline
	}
	return next
}

// ProportionalStepStrategy removes a fraction of the remaining gap per
// interval, so large grants drain quickly at first and ease in near the
// baseline. Progress is guaranteed: the step is never less than 1.
type ProportionalStepStrategy struct {
	// Factor is the fraction of (current - baseline) removed per step.
	// Values outside (0, 1] behave as 0.5.
	Factor float64
}

// Step implements the Strategy interface for proportional decay.
func (s ProportionalStepStrategy) Step(current, baseline int) int {
	if current <= baseline {
		return baseline
	}
	factor := s.Factor
	if factor <= 0 || factor > 1 {
		factor = 0.5
	}
	step := int(math.Ceil(float64(current-baseline) * factor))
	if step < 1 {
		step = 1
	}
	next := current - step
	if next < baseline {
		next = baseline
	}
	return next
}
