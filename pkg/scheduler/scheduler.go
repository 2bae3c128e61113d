// Package scheduler orders a phase's tasks into serially executed
// dependency groups and selects the best pod for each task.
package scheduler

import (
	"log/slog"

	"github.com/forgeline/foreman/pkg/models"
)

// BuildGroups partitions a phase's incomplete tasks into an ordered list
// of groups; every task in a group has all its dependencies resolved, so
// the tasks inside a group run in parallel and groups run serially.
//
// Tasks with no dependency information (nil DependsOn everywhere)
// collapse into a single group. A dependency cycle never deadlocks: once
// an iteration resolves nothing, the remainder becomes one final group
// and the cycle is logged as a warning.
func BuildGroups(tasks []*models.Task, completed map[string]struct{}) [][]*models.Task {
	var pending []*models.Task
	hasDeps := false
	for _, t := range tasks {
		if _, done := completed[t.ID]; done {
			continue
		}
		pending = append(pending, t)
		if t.DependsOn != nil {
			hasDeps = true
		}
	}
	if len(pending) == 0 {
		return nil
	}
	if !hasDeps {
		return [][]*models.Task{pending}
	}

	resolved := make(map[string]struct{}, len(completed))
	for id := range completed {
		resolved[id] = struct{}{}
	}

	var groups [][]*models.Task
	// Safety cap: a well-formed DAG resolves at least one task per
	// iteration, so |tasks|+1 iterations always suffice.
	for iter := 0; iter <= len(tasks) && len(pending) > 0; iter++ {
		var ready, blocked []*models.Task
		for _, t := range pending {
			if depsSatisfied(t, resolved) {
				ready = append(ready, t)
			} else {
				blocked = append(blocked, t)
			}
		}

		if len(ready) == 0 {
			// Cycle or dangling dependency: tolerate by collapsing the
			// remainder into one final group.
			slog.Warn("Task dependency cycle detected, collapsing remainder into one group",
				"remaining_tasks", len(blocked))
			groups = append(groups, blocked)
			return groups
		}

		groups = append(groups, ready)
		for _, t := range ready {
			resolved[t.ID] = struct{}{}
		}
		pending = blocked
	}
	return groups
}

func depsSatisfied(t *models.Task, resolved map[string]struct{}) bool {
	for _, dep := range t.DependsOn {
		if _, ok := resolved[dep]; !ok {
			return false
		}
	}
	return true
}

// SelectPod picks the pod a task runs on. activeOrder is the engine's
// insertion-order list of active pod ids, which makes the idle scan
// deterministic.
//
// Preference: the task's assigned pod if active, then the first idle
// pod, then the first active pod regardless of status (it will queue).
func SelectPod(task *models.Task, pods map[string]*models.Pod, activeOrder []string) *models.Pod {
	if task.AssignedPod != "" {
		if p, ok := pods[task.AssignedPod]; ok {
			return p
		}
	}
	for _, id := range activeOrder {
		if p, ok := pods[id]; ok && p.Status == models.PodIdle {
			return p
		}
	}
	for _, id := range activeOrder {
		if p, ok := pods[id]; ok {
			return p
		}
	}
	return nil
}
