package orchestrator

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/batonworks/baton/pkg/agent"
	"github.com/batonworks/baton/pkg/models"
	"github.com/batonworks/baton/pkg/store"
)

// knownAgentTypes is the set of dispatchable agent types. A plan naming
// anything else fails the job up front rather than queueing work nobody
// will consume.
var knownAgentTypes = map[string]bool{
	"planner":   true,
	"spec":      true,
	"design":    true,
	"designer":  true,
	"coding":    true,
	"test":      true,
	"review":    true,
	"executor":  true,
	"validator": true,
}

// PlanError reports a rejected plan. Category is one of plan_unknown_agent,
// plan_cycle, or dependency_unsatisfied.
type PlanError struct {
	Category string
	Message  string
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// translatePlan turns a planner's task breakdown into persistent-ready
// tasks with resolved dependency ids. Dependencies may name a step by
// zero-based index (number or numeric string) or by the minted task id of
// an earlier entry. The graph must be acyclic.
func translatePlan(jobID string, plan *agent.Plan) ([]*models.Task, error) {
	if len(plan.Tasks) == 0 {
		return nil, &PlanError{Category: "plan_unknown_agent", Message: "plan contains no tasks"}
	}

	ids := make([]string, len(plan.Tasks))
	byID := make(map[string]int, len(plan.Tasks))
	for i := range plan.Tasks {
		ids[i] = uuid.New().String()
		byID[ids[i]] = i
	}

	tasks := make([]*models.Task, len(plan.Tasks))
	depIndexes := make([][]int, len(plan.Tasks))
	for i, step := range plan.Tasks {
		agentType := store.NormalizeAgentType(step.AgentType)
		if !knownAgentTypes[agentType] {
			return nil, &PlanError{
				Category: "plan_unknown_agent",
				Message:  fmt.Sprintf("step %d names unknown agent type %q", i, step.AgentType),
			}
		}
		if step.Description == "" {
			return nil, &PlanError{
				Category: "dependency_unsatisfied",
				Message:  fmt.Sprintf("step %d has no description", i),
			}
		}

		for _, dep := range step.Dependencies {
			idx, err := resolveDependency(dep, len(plan.Tasks), byID)
			if err != nil {
				return nil, &PlanError{
					Category: "dependency_unsatisfied",
					Message:  fmt.Sprintf("step %d: %v", i, err),
				}
			}
			if idx == i {
				return nil, &PlanError{
					Category: "plan_cycle",
					Message:  fmt.Sprintf("step %d depends on itself", i),
				}
			}
			depIndexes[i] = append(depIndexes[i], idx)
		}

		tasks[i] = &models.Task{
			ID:          ids[i],
			JobID:       jobID,
			AgentType:   agentType,
			Status:      models.TaskStatusPending,
			Description: step.Description,
			UseTDD:      step.UseTDD,
		}
	}

	if cycle := findCycle(depIndexes); cycle {
		return nil, &PlanError{Category: "plan_cycle", Message: "dependency graph contains a cycle"}
	}

	for i, deps := range depIndexes {
		for _, idx := range deps {
			tasks[i].Dependencies = append(tasks[i].Dependencies, ids[idx])
		}
	}
	return tasks, nil
}

// resolveDependency maps one dependency reference to a step index.
func resolveDependency(dep any, steps int, byID map[string]int) (int, error) {
	switch v := dep.(type) {
	case float64:
		return checkIndex(int(v), steps)
	case int:
		return checkIndex(v, steps)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return checkIndex(n, steps)
		}
		if idx, ok := byID[v]; ok {
			return idx, nil
		}
		return 0, fmt.Errorf("dependency %q names no step", v)
	default:
		return 0, fmt.Errorf("dependency %v has unsupported type %T", dep, dep)
	}
}

func checkIndex(idx, steps int) (int, error) {
	if idx < 0 || idx >= steps {
		return 0, fmt.Errorf("dependency index %d out of range [0,%d)", idx, steps)
	}
	return idx, nil
}

// findCycle runs Kahn's algorithm over the step graph; leftover nodes mean
// a cycle.
func findCycle(deps [][]int) bool {
	n := len(deps)
	indegree := make([]int, n)
	dependents := make([][]int, n)
	for i, list := range deps {
		indegree[i] = len(list)
		for _, d := range list {
			dependents[d] = append(dependents[d], i)
		}
	}

	queue := make([]int, 0, n)
	for i, d := range indegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[node] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return visited != n
}
