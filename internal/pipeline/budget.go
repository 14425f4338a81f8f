package pipeline

// Split divides a worker budget across stages. Every stage gets at least one
// worker; the surplus goes to the first stage, which does the slow remote I/O.
// Split(4, 3) = [2 1 1]. A budget below the stage count is raised to one per
// stage rather than rejected.
func Split(total, stages int) []int {
	if stages < 1 {
		panic("pipeline: Split needs at least one stage")
	}
	out := make([]int, stages)
	for i := range out {
		out[i] = 1
	}
	if surplus := total - stages; surplus > 0 {
		out[0] += surplus
	}
	return out
}
