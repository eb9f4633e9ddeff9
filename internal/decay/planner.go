// Package decay computes the step-down sequences used to drain temporary
// concurrency grants back to their pre-burst baseline. A grant is never
// withdrawn in one cut; it decays one step per interval along a plan
// produced here.
package decay

// Planner produces recovery plans using a configurable strategy.
type Planner struct {
	strategy Strategy
}

// NewPlanner creates a planner with the specified strategy.
func NewPlanner(strategy Strategy) *Planner {
	return &Planner{strategy: strategy}
}

// Next returns the value one step below current on the way to baseline.
func (p *Planner) Next(current, baseline int) int {
	return p.strategy.Step(current, baseline)
}

// Plan returns the full descending sequence from one step below start down
// to baseline inclusive. Plan(10, 7) with a linear step of 1 yields
// [9, 8, 7]. When start <= baseline the plan is empty: nothing to drain.
func (p *Planner) Plan(start, baseline int) []int {
	if start <= baseline {
		return nil
	}
	var steps []int
	current := start
	for current > baseline {
		current = p.strategy.Step(current, baseline)
		steps = append(steps, current)
	}
	return steps
}

// SetStrategy updates the strategy used by this planner.
func (p *Planner) SetStrategy(strategy Strategy) {
	p.strategy = strategy
}

// GetLinearPlanner returns a planner that drains one slot per interval.
// This is the default used for burst recovery.
func GetLinearPlanner() *Planner {
	return NewPlanner(LinearStepStrategy{StepSize: 1})
}

// GetProportionalPlanner returns a planner that halves the remaining grant
// per interval.
func GetProportionalPlanner() *Planner {
	return NewPlanner(ProportionalStepStrategy{Factor: 0.5})
}
