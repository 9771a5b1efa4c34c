// Package memory provides a small in-process execution engine for local
// development and tests. It walks submitted graphs in node-ID order,
// broadcasting the same lifecycle events a real engine would, without any
// actual computation.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ihmily/comfy-deploy/internal/engine"
	"github.com/ihmily/comfy-deploy/internal/graph"
)

// Config sizes the engine.
type Config struct {
	Workers    int
	QueueDepth int
	NodeDelay  time.Duration
}

// OutputFunc fabricates a node's output payload; nil means no output.
type OutputFunc func(nodeID string, node graph.Node) map[string]any

// Option customizes an Engine.
type Option func(*Engine)

// WithOutputs sets the output fabrication hook.
func WithOutputs(fn OutputFunc) Option {
	return func(e *Engine) { e.outputFn = fn }
}

// WithValidator replaces the default submission validator.
func WithValidator(v graph.Validator) Option {
	return func(e *Engine) { e.validator = v }
}

// Engine is an in-memory engine.Engine implementation.
type Engine struct {
	broadcaster engine.Broadcaster
	queue       chan engine.Submission
	cfg         Config
	logger      *zap.Logger
	outputFn    OutputFunc
	validator   graph.Validator

	mu      sync.Mutex
	pending []string
	running []string
	defs    map[string]graph.Graph
	history map[string]engine.HistoryEntry
}

// New constructs an Engine that emits events through b. Hand it the
// Interceptor so the delivery pipeline sees every event.
func New(b engine.Broadcaster, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		broadcaster: b,
		queue:       make(chan engine.Submission, cfg.QueueDepth),
		cfg:         cfg,
		logger:      logger,
		validator:   basicValidator{},
		defs:        make(map[string]graph.Graph),
		history:     make(map[string]engine.HistoryEntry),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run starts the worker pool and blocks until ctx finishes.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case sub := <-e.queue:
					e.execute(ctx, sub)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

// Submit validates and enqueues a workflow.
func (e *Engine) Submit(ctx context.Context, sub engine.Submission) error {
	if err := e.validator.Validate(sub.Graph); err != nil {
		return fmt.Errorf("%w: %s", engine.ErrInvalidGraph, err)
	}
	e.mu.Lock()
	e.defs[sub.TaskID] = sub.Graph.Clone()
	e.pending = append(e.pending, sub.TaskID)
	e.mu.Unlock()

	select {
	case <-ctx.Done():
		e.dropQueued(sub.TaskID)
		return fmt.Errorf("submit canceled: %w", ctx.Err())
	case e.queue <- sub:
		return nil
	}
}

// QueuedDefinition returns the workflow for a task still running or pending.
func (e *Engine) QueuedDefinition(taskID string) (graph.Graph, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	def, ok := e.defs[taskID]
	return def, ok
}

// Snapshot returns the current queue view.
func (e *Engine) Snapshot() engine.QueueSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := engine.QueueSnapshot{
		Running: make([]string, len(e.running)),
		Pending: make([]string, len(e.pending)),
	}
	copy(snap.Running, e.running)
	copy(snap.Pending, e.pending)
	return snap
}

// History returns the recorded terminal state for a finished task.
func (e *Engine) History(taskID string) (engine.HistoryEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.history[taskID]
	return entry, ok
}

func (e *Engine) execute(ctx context.Context, sub engine.Submission) {
	e.markRunning(sub.TaskID)

	e.broadcaster.Broadcast(engine.Event{
		Kind:     engine.KindStart,
		TaskID:   sub.TaskID,
		ClientID: sub.ClientID,
	})

	outputs := make(map[string]map[string]any)
	for _, nodeID := range orderedNodeIDs(sub.Graph) {
		select {
		case <-ctx.Done():
			e.finish(sub, outputs, false, "execution canceled")
			return
		default:
		}
		e.broadcaster.Broadcast(engine.Event{
			Kind:     engine.KindNodeBegin,
			TaskID:   sub.TaskID,
			ClientID: sub.ClientID,
			NodeID:   nodeID,
		})
		if e.cfg.NodeDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(e.cfg.NodeDelay):
			}
		}
		output, err := e.runNode(nodeID, sub.Graph[nodeID])
		if err != nil {
			e.logger.Warn("node execution failed",
				zap.String("task_id", sub.TaskID),
				zap.String("node_id", nodeID),
				zap.Error(err),
			)
			e.finish(sub, outputs, false, err.Error())
			return
		}
		if output != nil {
			outputs[nodeID] = output
		}
		e.broadcaster.Broadcast(engine.Event{
			Kind:     engine.KindNodeEnd,
			TaskID:   sub.TaskID,
			ClientID: sub.ClientID,
			NodeID:   nodeID,
			Output:   output,
		})
	}

	e.finish(sub, outputs, true, "")
}

// runNode invokes the output hook, converting a panic into a node failure
// the way a real engine surfaces a node exception.
func (e *Engine) runNode(nodeID string, node graph.Node) (output map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("node %s: %v", nodeID, rec)
		}
	}()
	if e.outputFn != nil {
		output = e.outputFn(nodeID, node)
	}
	return output, nil
}

func (e *Engine) finish(sub engine.Submission, outputs map[string]map[string]any, succeeded bool, errMsg string) {
	e.mu.Lock()
	entry := engine.HistoryEntry{
		Completed: true,
		Failed:    !succeeded,
		ErrorMsg:  errMsg,
		Outputs:   outputs,
	}
	if succeeded {
		entry.Status = "success"
	} else {
		entry.Status = "error"
	}
	e.history[sub.TaskID] = entry
	e.running = removeID(e.running, sub.TaskID)
	delete(e.defs, sub.TaskID)
	e.mu.Unlock()

	kind := engine.KindSuccess
	if !succeeded {
		kind = engine.KindError
	}
	e.broadcaster.Broadcast(engine.Event{
		Kind:     kind,
		TaskID:   sub.TaskID,
		ClientID: sub.ClientID,
		ErrorMsg: errMsg,
	})
}

func (e *Engine) markRunning(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = removeID(e.pending, taskID)
	e.running = append(e.running, taskID)
}

func (e *Engine) dropQueued(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = removeID(e.pending, taskID)
	delete(e.defs, taskID)
}

func removeID(ids []string, id string) []string {
	for i, existing := range ids {
		if existing == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// orderedNodeIDs sorts numerically when node IDs are numbers, the common
// case in exported workflows, and lexically otherwise.
func orderedNodeIDs(g graph.Graph) []string {
	ids := g.NodeIDs()
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return ids[i] < ids[j]
	})
	return ids
}

type basicValidator struct{}

// Validate rejects empty graphs and nodes without a declared type.
func (basicValidator) Validate(g graph.Graph) error {
	if len(g) == 0 {
		return fmt.Errorf("workflow has no nodes")
	}
	for id, node := range g {
		if node.ClassType == "" {
			return fmt.Errorf("node %s has no class_type", id)
		}
	}
	return nil
}
