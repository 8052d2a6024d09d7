package planner

// ParetoFront keeps the candidates no other candidate dominates on
// (time, cost, quality). Plans with identical estimates survive
// together; the policy's index tiebreak settles between them.
func ParetoFront(plans []*Plan) []*Plan {
	front := make([]*Plan, 0, len(plans))
	for i, p := range plans {
		dominated := false
		for j, q := range plans {
			if i == j {
				continue
			}
			if dominates(q.Estimate(), p.Estimate()) {
				dominated = true
				break
			}
		}
		if !dominated {
			front = append(front, p)
		}
	}
	return front
}

// dominates reports whether a is at least as good as b everywhere and
// strictly better somewhere.
func dominates(a, b Estimate) bool {
	if a.Time > b.Time || a.Cost > b.Cost || a.Quality < b.Quality {
		return false
	}
	return a.Time < b.Time || a.Cost < b.Cost || a.Quality > b.Quality
}
