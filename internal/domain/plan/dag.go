package plan

// ReadyActions returns the ids of actions whose state is PENDING and whose
// dependencies are all COMPLETED or SKIPPED, in the order they appear in
// the plan's action list. This is the maximal antichain the scheduler
// hands the executor as the next wave.
func ReadyActions(actions []Action, state ExecutionState) []string {
	var ready []string
	for _, a := range actions {
		rec, ok := state.Actions[a.ID]
		if !ok || rec.State != ActionPending {
			continue
		}
		if allDepsSatisfied(a, state) {
			ready = append(ready, a.ID)
		}
	}
	return ready
}

func allDepsSatisfied(a Action, state ExecutionState) bool {
	for _, dep := range a.DependsOn {
		rec, ok := state.Actions[dep]
		if !ok {
			return false
		}
		if rec.State != ActionCompleted && rec.State != ActionSkipped {
			return false
		}
	}
	return true
}

// RunningCount returns the number of actions currently RUNNING.
func RunningCount(state ExecutionState) int {
	n := 0
	for _, rec := range state.Actions {
		if rec.State == ActionRunning {
			n++
		}
	}
	return n
}

// Descendants returns the transitive closure of actions depending
// (directly or indirectly) on the given action id.
func Descendants(actions []Action, id string) []string {
	children := make(map[string][]string, len(actions))
	for _, a := range actions {
		for _, dep := range a.DependsOn {
			children[dep] = append(children[dep], a.ID)
		}
	}
	visited := map[string]bool{}
	var out []string
	var walk func(string)
	walk = func(cur string) {
		for _, child := range children[cur] {
			if visited[child] {
				continue
			}
			visited[child] = true
			out = append(out, child)
			walk(child)
		}
	}
	walk(id)
	return out
}

// TopologicalOrder returns action ids in dependency order via Kahn's
// algorithm, ties broken by insertion order in the plan's action list.
// Used by the rollback sweep, which walks this order in reverse.
func TopologicalOrder(actions []Action) []string {
	index := make(map[string]int, len(actions))
	for i, a := range actions {
		index[a.ID] = i
	}
	inDegree := make([]int, len(actions))
	adj := make([][]int, len(actions))
	for i, a := range actions {
		for _, dep := range a.DependsOn {
			j, ok := index[dep]
			if !ok {
				continue
			}
			adj[j] = append(adj[j], i)
			inDegree[i]++
		}
	}

	queue := make([]int, 0, len(actions))
	for i, d := range inDegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]string, 0, len(actions))
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		order = append(order, actions[i].ID)
		for _, j := range adj[i] {
			inDegree[j]--
			if inDegree[j] == 0 {
				queue = append(queue, j)
			}
		}
	}
	return order
}
