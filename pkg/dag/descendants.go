package dag

import "github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/model"

// Descendants returns every task ID transitively depending on root, used by
// the kernel to mark a failed task's downstream tasks SKIPPED.
func Descendants(tasks map[string]*model.Task, root string) []string {
	dependents := make(map[string][]string, len(tasks))
	for id, t := range tasks {
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	seen := map[string]bool{}
	var order []string
	var walk func(string)
	walk = func(id string) {
		for _, child := range dependents[id] {
			if !seen[child] {
				seen[child] = true
				order = append(order, child)
				walk(child)
			}
		}
	}
	walk(root)
	return order
}
