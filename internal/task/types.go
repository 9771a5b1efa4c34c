// Package task holds per-task lifecycle state and the Registry that owns it.
package task

import (
	"time"

	"github.com/ihmily/comfy-deploy/internal/graph"
)

// NodeProgress records binary per-node completion: Percent is 0 while the
// node runs and 100 once its end event is observed.
type NodeProgress struct {
	Value   int `json:"value"`
	Max     int `json:"max"`
	Percent int `json:"percent"`
}

// Task is the registry's per-task state. All fields are owned by the
// Registry; callers only ever see copies.
type Task struct {
	ID             string
	ClientID       string
	TotalNodes     int
	CompletedNodes int
	Percent        int
	CurrentNode    string
	ActiveNode     string
	NodeProgress   map[string]NodeProgress
	ExecutionOrder []string
	Definition     graph.Graph
	Outputs        map[string]map[string]any
	CallbackURL    string
	LastEvent      time.Time
	lastEmit       time.Time
}

// Progress is a point-in-time snapshot of a task's aggregate progress,
// shaped for delivery payloads.
type Progress struct {
	Percent        int                     `json:"percent"`
	CurrentNode    string                  `json:"current_node"`
	ActiveNode     string                  `json:"active_node"`
	CompletedNodes int                     `json:"completed_nodes"`
	TotalNodes     int                     `json:"total_nodes"`
	ExecutionOrder []string                `json:"execution_order"`
	NodeProgress   map[string]NodeProgress `json:"node_progress"`
}

// Clock abstracts time.Now so throttle behavior is testable.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique task and client identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
