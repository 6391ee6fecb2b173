package executor

import "github.com/pml-systems/pml-gateway/internal/dag"

// layerTasks partitions tasks into layers by longest-path depth from any
// root, computed once at build time rather than re-derived dynamically:
// layer N+1 never starts before every task in layer N (including its
// retries) has settled. Tasks within a layer have no dependency on one
// another and may run in parallel.
func layerTasks(tasks []dag.PhysicalTask) [][]dag.PhysicalTask {
	byID := make(map[string]dag.PhysicalTask, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	depth := make(map[string]int, len(tasks))
	var compute func(id string, visiting map[string]bool) int
	compute = func(id string, visiting map[string]bool) int {
		if d, ok := depth[id]; ok {
			return d
		}
		if visiting[id] {
			// Cycles are rejected upstream by the logical DAG builder; treat
			// any surviving cycle as depth 0 rather than recursing forever.
			return 0
		}
		visiting[id] = true
		defer delete(visiting, id)

		t, ok := byID[id]
		if !ok {
			return 0
		}
		max := 0
		for _, dep := range t.Deps {
			if _, ok := byID[dep]; !ok {
				continue
			}
			if d := compute(dep, visiting) + 1; d > max {
				max = d
			}
		}
		depth[id] = max
		return max
	}

	maxDepth := 0
	for _, t := range tasks {
		d := compute(t.ID, map[string]bool{})
		if d > maxDepth {
			maxDepth = d
		}
	}

	layers := make([][]dag.PhysicalTask, maxDepth+1)
	for _, t := range tasks {
		d := depth[t.ID]
		layers[d] = append(layers[d], t)
	}
	return layers
}

// LayerCount reports how many strict barrier layers tasks would partition
// into, without running them. The dispatcher's pml:replan handler reports
// this as newLayerCount.
func LayerCount(tasks []dag.PhysicalTask) int {
	return len(layerTasks(tasks))
}
