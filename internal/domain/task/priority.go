package task

import "sort"

var priorityBase = map[Priority]float64{
	PriorityLow:      1.0,
	PriorityNormal:   2.0,
	PriorityHigh:     3.0,
	PriorityCritical: 4.0,
}

// sensitiveTypes get a 1.5x boost.
var sensitiveTypes = map[Type]bool{
	TypeFraudDetection: true,
}

// Score returns the urgency score of a task. Unknown priorities score as normal.
func Score(p Priority, typ Type, hasDeadline bool) float64 {
	score, ok := priorityBase[p]
	if !ok {
		score = priorityBase[PriorityNormal]
	}
	if sensitiveTypes[typ] {
		score *= 1.5
	}
	if hasDeadline {
		score *= 1.2
	}
	return score
}

// Ranked pairs a spec with its position in the submitted list and its score.
type Ranked struct {
	Index int
	Spec  Spec
	Score float64
}

// Rank scores specs, falling back to def for specs without their own
// priority. With reorder set, the result is stably sorted by score
// (highest first); otherwise input order is kept.
func Rank(specs []Spec, def Priority, reorder bool) []Ranked {
	out := make([]Ranked, len(specs))
	for i, s := range specs {
		p := s.Priority
		if p == "" {
			p = def
		}
		out[i] = Ranked{Index: i, Spec: s, Score: Score(p, s.Type, s.Deadline != nil)}
	}
	if reorder {
		sort.SliceStable(out, func(a, b int) bool { return out[a].Score > out[b].Score })
	}
	return out
}
