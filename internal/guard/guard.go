// Package guard holds the pure bound checks for the two nested retry loops.
// Keeping both checks in one place makes the retry-bound logic unit-testable
// in isolation from the controller.
package guard

// Decision is the result of a bound check.
type Decision int

const (
	// Continue means the counter is still within its bound.
	Continue Decision = iota
	// Exhausted means the bound has been crossed and the loop must stop.
	Exhausted
)

func (d Decision) String() string {
	if d == Exhausted {
		return "exhausted"
	}
	return "continue"
}

// CheckIteration bounds the inner verification loop. qaIteration is the
// value the counter would take for the next attempt (counters start at 1).
func CheckIteration(qaIteration, maxIterations int) Decision {
	return check(qaIteration, maxIterations)
}

// CheckCycle bounds the outer infrastructure loop. buildCycle is the value
// the counter would take for the next cycle.
func CheckCycle(buildCycle, maxCycles int) Decision {
	return check(buildCycle, maxCycles)
}

func check(counter, bound int) Decision {
	if bound <= 0 || counter <= 0 {
		return Exhausted
	}
	if counter > bound {
		return Exhausted
	}
	return Continue
}
