package engine

import (
	"context"
	"errors"

	"github.com/ihmily/comfy-deploy/internal/graph"
)

// ErrInvalidGraph is returned by Submit when workflow validation rejects
// the submitted graph.
var ErrInvalidGraph = errors.New("invalid workflow graph")

// Submission is a validated unit of work handed to the engine.
type Submission struct {
	TaskID   string
	ClientID string
	Graph    graph.Graph
}

// QueueSnapshot is a point-in-time view of the engine's execution queue.
type QueueSnapshot struct {
	Running []string
	Pending []string
}

// HistoryEntry describes a finished task as recorded by the engine.
type HistoryEntry struct {
	Status    string
	Completed bool
	Failed    bool
	ErrorMsg  string
	Outputs   map[string]map[string]any
}

// Engine is the graph-execution collaborator. Execution semantics (node
// dependency resolution, caching, computation) live behind this interface;
// the delivery pipeline only submits work and queries state.
type Engine interface {
	// Submit validates and enqueues a workflow for asynchronous execution.
	Submit(ctx context.Context, sub Submission) error
	// QueuedDefinition returns the workflow definition for a task still in
	// the queue (running or pending), if the engine can match it.
	QueuedDefinition(taskID string) (graph.Graph, bool)
	// Snapshot returns the current running and pending task IDs in order.
	Snapshot() QueueSnapshot
	// History returns the recorded terminal state for a finished task.
	History(taskID string) (HistoryEntry, bool)
}
