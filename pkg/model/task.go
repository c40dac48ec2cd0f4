package model

import (
	"fmt"
	"strings"
	"time"
)

// Task is one node of an attempt's task tree. The root task has no parent;
// every other task has exactly one. Upstreams reference sibling tasks that
// must reach SUCCESS before this task may start.
type Task struct {
	ID        int64          `json:"id"`
	AttemptID int64          `json:"attempt_id"`
	ParentID  *int64         `json:"parent_id,omitempty"`
	FullName  string         `json:"full_name"`
	TaskType  TaskType       `json:"task_type"`
	Config    Params         `json:"config"`
	State     TaskState      `json:"state"`
	Flags     TaskStateFlags `json:"state_flags"`

	// StateParams carries opaque continuation state across retries
	// (retry counters, backoff multipliers) for the operator runtime.
	StateParams Params `json:"state_params,omitempty"`

	// Report holds the success payload; Error holds the failure payload.
	// Error is never an empty object when present.
	Report Params `json:"report,omitempty"`
	Error  Params `json:"error,omitempty"`

	// ExportParams and StoreParams are the result's parameter updates,
	// recorded on success for downstream tasks and resumed attempts.
	ExportParams Params `json:"export_params,omitempty"`
	StoreParams  Params `json:"store_params,omitempty"`

	Upstreams  []int64    `json:"upstreams,omitempty"`
	RetryAt    *time.Time `json:"retry_at,omitempty"`
	RetryCount int        `json:"retry_count"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// IsRoot returns true for the attempt's root task.
func (t *Task) IsRoot() bool {
	return t.ParentID == nil
}

// ErrorConfig returns the error-handler subtask definition from the task
// config, or an empty Params if none is declared.
func (t *Task) ErrorConfig() Params {
	return t.Config.GetParams("_error")
}

// CheckConfig returns the on-success subtask definition from the task
// config, or an empty Params if none is declared.
func (t *Task) CheckConfig() Params {
	return t.Config.GetParams("_check")
}

// RetryConfig returns the group retry policy from the task config, or an
// empty Params if none is declared.
func (t *Task) RetryConfig() Params {
	return t.Config.GetParams("_retry")
}

// TaskSpec is a caller-supplied task definition, produced by the workflow
// loader. Specs form a tree by index: ParentIndex refers to an earlier spec
// in the same list (nil means the list root), UpstreamIndexes refer to
// earlier sibling specs.
type TaskSpec struct {
	Name            string   `json:"name"`
	TaskType        TaskType `json:"task_type"`
	Config          Params   `json:"config"`
	ParentIndex     *int     `json:"parent_index,omitempty"`
	UpstreamIndexes []int    `json:"upstream_indexes,omitempty"`
}

// ValidateSpecs checks index references of a spec list: parents and
// upstreams must point at earlier entries, and upstreams must share the
// referenced parent (sibling-only dependencies).
func ValidateSpecs(specs []TaskSpec) error {
	for i, spec := range specs {
		if spec.Name == "" {
			return fmt.Errorf("task spec %d: name is required", i)
		}
		if spec.TaskType != TaskTypeAction && spec.TaskType != TaskTypeGrouping {
			return fmt.Errorf("task spec %d (%s): unknown task type %q", i, spec.Name, spec.TaskType)
		}
		if spec.ParentIndex != nil && (*spec.ParentIndex < 0 || *spec.ParentIndex >= i) {
			return fmt.Errorf("task spec %d (%s): parent index %d out of range", i, spec.Name, *spec.ParentIndex)
		}
		for _, up := range spec.UpstreamIndexes {
			if up < 0 || up >= i {
				return fmt.Errorf("task spec %d (%s): upstream index %d out of range", i, spec.Name, up)
			}
			if !sameParent(specs[up].ParentIndex, spec.ParentIndex) {
				return fmt.Errorf("task spec %d (%s): upstream %q is not a sibling", i, spec.Name, specs[up].Name)
			}
		}
	}
	return nil
}

func sameParent(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// TaskResult is the payload reported by an agent when a task succeeds.
type TaskResult struct {
	// Subtasks are generated children to insert under the finished task
	// (named with the ^sub sigil). Grouping tasks grow this way: their
	// children are not known until the parent's config is evaluated.
	Subtasks []TaskSpec `json:"subtasks,omitempty"`

	// ExportParams and StoreParams are parameter updates visible to
	// downstream tasks; the core persists them without interpretation.
	ExportParams Params `json:"export_params,omitempty"`
	StoreParams  Params `json:"store_params,omitempty"`

	// Report is the user-visible success payload.
	Report Params `json:"report,omitempty"`
}

// TaskRelation is the minimal parent/upstream shape used for tree walks.
type TaskRelation struct {
	ID        int64
	ParentID  *int64
	Upstreams []int64
}

// TaskTree answers ancestry queries over an attempt's TaskRelations.
type TaskTree struct {
	byID     map[int64]TaskRelation
	children map[int64][]int64
}

// NewTaskTree builds a TaskTree from relations.
func NewTaskTree(relations []TaskRelation) *TaskTree {
	tree := &TaskTree{
		byID:     make(map[int64]TaskRelation, len(relations)),
		children: make(map[int64][]int64),
	}
	for _, rel := range relations {
		tree.byID[rel.ID] = rel
		if rel.ParentID != nil {
			tree.children[*rel.ParentID] = append(tree.children[*rel.ParentID], rel.ID)
		}
	}
	return tree
}

// RecursiveChildrenIDs returns all descendants of id in id order.
func (t *TaskTree) RecursiveChildrenIDs(id int64) []int64 {
	var out []int64
	stack := append([]int64(nil), t.children[id]...)
	for len(stack) > 0 {
		next := stack[0]
		stack = stack[1:]
		out = append(out, next)
		stack = append(stack, t.children[next]...)
	}
	return out
}

// IsGeneratedSubtaskName reports whether fullName names a runtime-generated
// subtask under parentFullName (a ^sub segment after the parent prefix).
func IsGeneratedSubtaskName(parentFullName, fullName string) bool {
	if !strings.HasPrefix(fullName, parentFullName) {
		return false
	}
	return strings.Contains(fullName[len(parentFullName):], "^sub")
}
