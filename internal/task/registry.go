package task

import (
	"sync"
	"time"

	"github.com/ihmily/comfy-deploy/internal/graph"
)

// placeholderTotal is used when the engine's queue snapshot cannot be
// matched at start time; it keeps percent arithmetic conservative.
const placeholderTotal = 100

// Registry tracks every externally observable task from its first lifecycle
// event until explicit cleanup. It also owns the client->task mapping and
// the API-created marker set. All methods are safe for concurrent use; each
// state transition happens atomically under one lock.
type Registry struct {
	mu         sync.RWMutex
	tasks      map[string]*Task
	clientTask map[string]string
	apiCreated map[string]struct{}
	clock      Clock
}

// NewRegistry constructs an empty Registry.
func NewRegistry(clock Clock) *Registry {
	return &Registry{
		tasks:      make(map[string]*Task),
		clientTask: make(map[string]string),
		apiCreated: make(map[string]struct{}),
		clock:      clock,
	}
}

// Start initializes (or resets) tracking state for a task. def may be nil
// when the engine's queue snapshot lookup failed; a conservative placeholder
// total is used in that case. Accumulated outputs are always reset.
func (r *Registry) Start(taskID, clientID string, def graph.Graph) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tasks[taskID]
	if t == nil {
		t = &Task{ID: taskID}
		r.tasks[taskID] = t
	}
	if clientID != "" {
		t.ClientID = clientID
	}
	if def != nil {
		t.Definition = def.Clone()
		t.TotalNodes = len(def)
	} else {
		t.Definition = graph.Graph{}
		t.TotalNodes = placeholderTotal
	}
	t.CompletedNodes = 0
	t.Percent = 0
	t.CurrentNode = ""
	t.ActiveNode = ""
	t.NodeProgress = make(map[string]NodeProgress)
	t.ExecutionOrder = nil
	t.Outputs = make(map[string]map[string]any)
	t.lastEmit = time.Time{}
	t.LastEvent = r.clock.Now()
}

// BeginNode records a node entering execution: it becomes the current and
// active node, joins the execution order once, and advances the completed
// counter the first time it is seen. Percent is intentionally one step
// ahead: floor((completed-1)*100/total), clamped to [0,100], and never
// allowed to decrease.
func (r *Registry) BeginNode(taskID, nodeID string) (Progress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tasks[taskID]
	if t == nil || nodeID == "" {
		return Progress{}, false
	}
	t.CurrentNode = nodeID
	t.ActiveNode = nodeID
	if !containsNode(t.ExecutionOrder, nodeID) {
		t.ExecutionOrder = append(t.ExecutionOrder, nodeID)
	}
	if _, seen := t.NodeProgress[nodeID]; !seen {
		t.CompletedNodes++
	}
	t.NodeProgress[nodeID] = NodeProgress{Value: 0, Max: 100, Percent: 0}

	total := t.TotalNodes
	if total <= 0 {
		total = 1
	}
	percent := (t.CompletedNodes - 1) * 100 / total
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if percent > t.Percent {
		t.Percent = percent
	}
	t.LastEvent = r.clock.Now()
	return snapshotProgress(t), true
}

// EndNode marks a node's progress entry complete, records its output
// payload, and clears the active node. Repeated end events for the same
// node are idempotent.
func (r *Registry) EndNode(taskID, nodeID string, output map[string]any) (Progress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tasks[taskID]
	if t == nil || nodeID == "" {
		return Progress{}, false
	}
	t.NodeProgress[nodeID] = NodeProgress{Value: 100, Max: 100, Percent: 100}
	if output != nil {
		t.Outputs[nodeID] = output
	}
	t.ActiveNode = ""
	t.LastEvent = r.clock.Now()
	return snapshotProgress(t), true
}

// Finish forces workflow percent to 100 for a terminal event.
func (r *Registry) Finish(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tasks[taskID]
	if t == nil {
		return false
	}
	t.Percent = 100
	t.LastEvent = r.clock.Now()
	return true
}

// Progress returns a snapshot of a task's aggregate progress.
func (r *Registry) Progress(taskID string) (Progress, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t := r.tasks[taskID]
	if t == nil {
		return Progress{}, false
	}
	return snapshotProgress(t), true
}

// Outputs returns a copy of all node outputs recorded so far.
func (r *Registry) Outputs(taskID string) (map[string]map[string]any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t := r.tasks[taskID]
	if t == nil {
		return nil, false
	}
	out := make(map[string]map[string]any, len(t.Outputs))
	for node, payload := range t.Outputs {
		out[node] = payload
	}
	return out, true
}

// NodeOutput returns the recorded output for a single node.
func (r *Registry) NodeOutput(taskID, nodeID string) (map[string]any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t := r.tasks[taskID]
	if t == nil {
		return nil, false
	}
	out, ok := t.Outputs[nodeID]
	return out, ok
}

// ClassType resolves a node's declared type from the task's workflow
// definition snapshot, falling back to the node ID.
func (r *Registry) ClassType(taskID, nodeID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t := r.tasks[taskID]
	if t == nil {
		return nodeID
	}
	return t.Definition.ClassTypeOf(nodeID)
}

// OwnerClient returns the submitter identity recorded for a task, or the
// empty string when unknown.
func (r *Registry) OwnerClient(taskID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t := r.tasks[taskID]; t != nil {
		return t.ClientID
	}
	return ""
}

// SetCallbackURL registers the outbound callback target for a task,
// marking it externally observable.
func (r *Registry) SetCallbackURL(taskID, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tasks[taskID]
	if t == nil {
		t = &Task{ID: taskID, NodeProgress: map[string]NodeProgress{}, Outputs: map[string]map[string]any{}}
		r.tasks[taskID] = t
	}
	t.CallbackURL = url
}

// CallbackURL returns the registered callback target, if any.
func (r *Registry) CallbackURL(taskID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t := r.tasks[taskID]
	if t == nil || t.CallbackURL == "" {
		return "", false
	}
	return t.CallbackURL, true
}

// ClearCallback removes the callback registration and the API-created
// marking after a terminal callback has been delivered. It is idempotent.
func (r *Registry) ClearCallback(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t := r.tasks[taskID]; t != nil {
		t.CallbackURL = ""
	}
	delete(r.apiCreated, taskID)
}

// MarkAPICreated flags a task as created through the external submission
// path.
func (r *Registry) MarkAPICreated(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apiCreated[taskID] = struct{}{}
	if r.tasks[taskID] == nil {
		r.tasks[taskID] = &Task{
			ID:           taskID,
			NodeProgress: map[string]NodeProgress{},
			Outputs:      map[string]map[string]any{},
		}
	}
}

// MapClient associates a submitter identity with a task so later events
// carrying only a client ID can be resolved.
func (r *Registry) MapClient(clientID, taskID string) {
	if clientID == "" || taskID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clientTask[clientID] = taskID
}

// TaskForClient resolves the task currently mapped to a client ID.
func (r *Registry) TaskForClient(clientID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.clientTask[clientID]
	return id, ok
}

// UnmapClient drops the client association once a task reaches a terminal
// state.
func (r *Registry) UnmapClient(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clientTask, clientID)
}

// ClientsForTask returns every client ID currently mapped to the task.
func (r *Registry) ClientsForTask(taskID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var clients []string
	for client, id := range r.clientTask {
		if id == taskID {
			clients = append(clients, client)
		}
	}
	return clients
}

// IsTracked reports whether a task is externally observable: it has a
// callback URL, was created through the API, or is the target of a client
// mapping. Purely internal engine work stays invisible to the pipeline.
func (r *Registry) IsTracked(taskID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.apiCreated[taskID]; ok {
		return true
	}
	if t := r.tasks[taskID]; t != nil && t.CallbackURL != "" {
		return true
	}
	for _, id := range r.clientTask {
		if id == taskID {
			return true
		}
	}
	return false
}

// ShouldEmitProgress applies the per-task throttle gate: it returns true
// and advances the gate only when at least interval has elapsed since the
// last emitted progress update. Suppressed events do not touch the gate.
func (r *Registry) ShouldEmitProgress(taskID string, interval time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tasks[taskID]
	if t == nil {
		return false
	}
	now := r.clock.Now()
	if !t.lastEmit.IsZero() && now.Sub(t.lastEmit) < interval {
		return false
	}
	t.lastEmit = now
	return true
}

// Cleanup removes every trace of a task: state, callback registration,
// API-created marking, and client mappings.
func (r *Registry) Cleanup(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, taskID)
	delete(r.apiCreated, taskID)
	for client, id := range r.clientTask {
		if id == taskID {
			delete(r.clientTask, client)
		}
	}
}

// EvictIdle removes tasks whose last event is older than ttl and returns
// the evicted IDs. A ttl of zero disables eviction.
func (r *Registry) EvictIdle(ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.clock.Now().Add(-ttl)
	var evicted []string
	for id, t := range r.tasks {
		if !t.LastEvent.IsZero() && t.LastEvent.Before(cutoff) {
			delete(r.tasks, id)
			delete(r.apiCreated, id)
			evicted = append(evicted, id)
		}
	}
	for client, id := range r.clientTask {
		if _, live := r.tasks[id]; !live {
			for _, gone := range evicted {
				if id == gone {
					delete(r.clientTask, client)
					break
				}
			}
		}
	}
	return evicted
}

func snapshotProgress(t *Task) Progress {
	order := make([]string, len(t.ExecutionOrder))
	copy(order, t.ExecutionOrder)
	nodes := make(map[string]NodeProgress, len(t.NodeProgress))
	for id, np := range t.NodeProgress {
		nodes[id] = np
	}
	return Progress{
		Percent:        t.Percent,
		CurrentNode:    t.CurrentNode,
		ActiveNode:     t.ActiveNode,
		CompletedNodes: t.CompletedNodes,
		TotalNodes:     t.TotalNodes,
		ExecutionOrder: order,
		NodeProgress:   nodes,
	}
}

func containsNode(order []string, nodeID string) bool {
	for _, id := range order {
		if id == nodeID {
			return true
		}
	}
	return false
}
