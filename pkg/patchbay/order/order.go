// Package order resolves the control-rate execution order of block
// instances from the connection list.
package order

import "github.com/randalmurphal/patchbay/pkg/patchbay/graph"

// Result is a resolved execution order.
type Result struct {
	// Order holds every input ID exactly once.
	Order []string

	// Cyclic lists the IDs that could not be sorted because they sit on or
	// downstream of a cycle. They are also present at the tail of Order, in
	// enumeration order.
	Cyclic []string
}

// HasCycle reports whether the fallback ordering was used.
func (r Result) HasCycle() bool {
	return len(r.Cyclic) > 0
}

// Resolve topologically sorts ids so that for every connection a -> b with
// both ends in ids, a precedes b.
//
// Ties are broken by the enumeration order of ids, not by connection order.
// Self-loops and connections with an endpoint outside ids are ignored.
//
// If a cycle exists, the unresolved IDs are appended in enumeration order.
// Instances inside a cycle then read one-tick-stale upstream values.
func Resolve(ids []string, conns []graph.Connection) Result {
	inDegree := make(map[string]int, len(ids))
	for _, id := range ids {
		inDegree[id] = 0
	}

	successors := make(map[string][]string, len(ids))
	for _, c := range conns {
		from, to := c.From.InstanceID, c.To.InstanceID
		if from == to {
			continue
		}
		if _, ok := inDegree[from]; !ok {
			continue
		}
		if _, ok := inDegree[to]; !ok {
			continue
		}
		successors[from] = append(successors[from], to)
		inDegree[to]++
	}

	queue := make([]string, 0, len(ids))
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	result := Result{Order: make([]string, 0, len(ids))}
	done := make(map[string]bool, len(ids))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if done[current] {
			continue
		}
		done[current] = true
		result.Order = append(result.Order, current)

		for _, next := range successors[current] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(result.Order) < len(ids) {
		for _, id := range ids {
			if !done[id] {
				done[id] = true
				result.Cyclic = append(result.Cyclic, id)
				result.Order = append(result.Order, id)
			}
		}
	}
	return result
}
