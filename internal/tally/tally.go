// Package tally computes majority decisions from boolean vote sets.
// Both the per-period adjudication and the final confirmation round use
// the same rule, so the result must be reproducible from the persisted
// votes at any time.
package tally

// Result is the outcome of counting one vote set. Passed is nil while
// neither side has reached a majority.
type Result struct {
	Yes           int
	No            int
	TotalReferees int
	Passed        *bool
}

// MajorityNeeded returns the number of matching votes required to
// resolve a round among totalReferees voters. With zero registered
// referees this is 1, so the very first vote decides the round.
func MajorityNeeded(totalReferees int) int {
	return totalReferees/2 + 1
}

// Count tallies votes against totalReferees. A yes majority resolves to
// pass, a no majority to fail; otherwise the round stays open.
func Count(votes []bool, totalReferees int) Result {
	res := Result{TotalReferees: totalReferees}
	for _, v := range votes {
		if v {
			res.Yes++
		} else {
			res.No++
		}
	}
	needed := MajorityNeeded(totalReferees)
	switch {
	case res.Yes >= needed:
		passed := true
		res.Passed = &passed
	case res.No >= needed:
		passed := false
		res.Passed = &passed
	}
	return res
}

// Resolved reports whether the result has settled either way.
func (r Result) Resolved() bool {
	return r.Passed != nil
}
