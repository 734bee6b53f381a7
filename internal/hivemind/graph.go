package hivemind

import (
	"errors"

	"github.com/mtzanidakis/hive/internal/errs"
)

var errDependencyCycle = errors.New("dependency graph contains a cycle")

// checkWorkflowGraph rejects duplicate task ids and dependency cycles among
// the tasks of one workflow. When ordered is set, tasks are submitted one
// at a time in list order, so a dependency on a later task of the same
// workflow can never be met and is rejected too. Dependencies on tasks
// outside the workflow are left to the normal pending/promotion path.
func checkWorkflowGraph(specs []TaskSpec, ordered bool) error {
	ids := make(map[string]bool, len(specs))
	position := make(map[string]int, len(specs))
	for i, s := range specs {
		if s.ID == "" {
			continue
		}
		if ids[s.ID] {
			return errs.Invalid("tasks", "duplicate task id "+s.ID)
		}
		ids[s.ID] = true
		position[s.ID] = i
	}

	if ordered {
		for i, s := range specs {
			for _, dep := range s.Dependencies {
				if p, ok := position[dep]; ok && p >= i {
					return errs.Invalid("tasks", "task "+s.ID+" depends on later task "+dep)
				}
			}
		}
	}

	edges := make(map[string][]string)
	inDegree := make(map[string]int, len(ids))
	for id := range ids {
		inDegree[id] = 0
	}
	for _, s := range specs {
		if s.ID == "" {
			continue
		}
		for _, dep := range s.Dependencies {
			if !ids[dep] {
				continue
			}
			edges[dep] = append(edges[dep], s.ID)
			inDegree[s.ID]++
		}
	}

	// Kahn's algorithm
	queue := make([]string, 0, len(ids))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	processed := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range edges[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if processed != len(ids) {
		return &errs.ValidationError{Field: "tasks", Reason: errDependencyCycle.Error()}
	}
	return nil
}
