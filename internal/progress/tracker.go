// Package progress reconstructs per-task progress from raw engine lifecycle
// events and decides which delivery items to emit. It is the aggregation
// stage between the Interceptor and the delivery queue.
package progress

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ihmily/comfy-deploy/internal/delivery"
	"github.com/ihmily/comfy-deploy/internal/engine"
	"github.com/ihmily/comfy-deploy/internal/metrics"
	"github.com/ihmily/comfy-deploy/internal/task"
)

const defaultThrottleInterval = 500 * time.Millisecond

// Tracker consumes the engine's event stream. Observe is synchronous and
// non-suspending: it only mutates the registry and enqueues delivery items,
// all network I/O happens later in the dispatcher loop.
type Tracker struct {
	registry *task.Registry
	queue    *delivery.Queue
	engine   engine.Engine
	clock    task.Clock
	toggles  *engine.Toggles
	interval time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewTracker wires the aggregator. interval is the minimum gap between
// emitted progress updates per task; zero selects the 500ms default.
func NewTracker(
	registry *task.Registry,
	queue *delivery.Queue,
	eng engine.Engine,
	clock task.Clock,
	toggles *engine.Toggles,
	interval time.Duration,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Tracker {
	if interval <= 0 {
		interval = defaultThrottleInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		registry: registry,
		queue:    queue,
		engine:   eng,
		clock:    clock,
		toggles:  toggles,
		interval: interval,
		logger:   logger,
		metrics:  m,
	}
}

// Observe implements engine.Observer. Events without a resolvable task ID,
// or for tasks the pipeline does not track, are discarded: the engine emits
// plenty of internal work this pipeline must stay blind to.
func (t *Tracker) Observe(evt engine.Event) {
	taskID := evt.TaskID
	if taskID == "" && evt.ClientID != "" {
		taskID, _ = t.registry.TaskForClient(evt.ClientID)
	}
	if taskID == "" {
		if t.toggles != nil && t.toggles.VerboseEnabled() {
			t.logger.Warn("event has no resolvable task id",
				zap.String("event", evt.Kind.String()),
				zap.String("client_id", evt.ClientID),
			)
		}
		return
	}
	if !t.registry.IsTracked(taskID) {
		return
	}
	t.metrics.EventObserved(evt.Kind.String())

	switch evt.Kind {
	case engine.KindStart:
		t.handleStart(taskID, evt)
	case engine.KindCached:
		t.pushRaw(taskID, evt.Kind.String(), map[string]any{
			"prompt_id": taskID,
			"client_id": evt.ClientID,
			"nodes":     evt.CachedNodes,
		})
	case engine.KindNodeBegin:
		t.handleNodeBegin(taskID, evt)
	case engine.KindNodeEnd:
		t.handleNodeEnd(taskID, evt)
	case engine.KindError, engine.KindSuccess:
		t.handleTerminal(taskID, evt)
	case engine.KindProgress:
		t.handleProgressTick(taskID, evt)
	}
}

// handleStart initializes tracking from the engine's queue snapshot; a
// failed lookup degrades to the conservative placeholder rather than
// blocking the event. The start delivery always bypasses throttling.
func (t *Tracker) handleStart(taskID string, evt engine.Event) {
	def, ok := t.engine.QueuedDefinition(taskID)
	if !ok {
		t.logger.Warn("queued workflow definition not found, using placeholder",
			zap.String("task_id", taskID))
		def = nil
	}
	t.registry.Start(taskID, evt.ClientID, def)

	t.pushRaw(taskID, evt.Kind.String(), map[string]any{
		"prompt_id": taskID,
		"client_id": evt.ClientID,
	})
	t.enqueueCallback(taskID, "task_started", map[string]any{
		"prompt_id": taskID,
		"client_id": t.clientFor(taskID, evt),
		"status":    "running",
		"progress":  0,
		"message":   "Task started executing",
		"timestamp": t.clock.Now().Unix(),
	})
}

func (t *Tracker) handleNodeBegin(taskID string, evt engine.Event) {
	prog, ok := t.registry.BeginNode(taskID, evt.NodeID)
	if !ok {
		return
	}
	t.pushRaw(taskID, evt.Kind.String(), map[string]any{
		"prompt_id": taskID,
		"client_id": evt.ClientID,
		"node":      evt.NodeID,
	})
	t.emitProgress(taskID, evt, prog)
}

func (t *Tracker) handleNodeEnd(taskID string, evt engine.Event) {
	prog, ok := t.registry.EndNode(taskID, evt.NodeID, evt.Output)
	if !ok {
		return
	}
	t.pushRaw(taskID, evt.Kind.String(), map[string]any{
		"prompt_id": taskID,
		"client_id": evt.ClientID,
		"node":      evt.NodeID,
		"output":    evt.Output,
	})
	t.emitProgress(taskID, evt, prog)
}

// handleTerminal forces percent to 100 and enqueues the terminal callback
// unconditionally; terminal events are exempt from throttling so the final
// status can never be suppressed.
func (t *Tracker) handleTerminal(taskID string, evt engine.Event) {
	t.registry.Finish(taskID)
	succeeded := evt.Kind == engine.KindSuccess

	if succeeded {
		result, raw := t.collectResult(taskID)
		t.pushRaw(taskID, evt.Kind.String(), map[string]any{
			"prompt_id":   taskID,
			"client_id":   evt.ClientID,
			"status":      "success",
			"progress":    100,
			"completed":   true,
			"result":      result,
			"raw_outputs": raw,
		})
		t.enqueueCallback(taskID, "task_success", map[string]any{
			"prompt_id":   taskID,
			"client_id":   t.clientFor(taskID, evt),
			"status":      "success",
			"progress":    100,
			"message":     "Task executed successfully",
			"result":      result,
			"raw_outputs": raw,
			"timestamp":   t.clock.Now().Unix(),
		})
	} else {
		errMsg := evt.ErrorMsg
		if errMsg == "" {
			errMsg = "unknown error"
		}
		t.pushRaw(taskID, evt.Kind.String(), map[string]any{
			"prompt_id": taskID,
			"client_id": evt.ClientID,
			"status":    "failed",
			"progress":  0,
			"completed": true,
			"error":     errMsg,
		})
		t.enqueueCallback(taskID, "task_failed", map[string]any{
			"prompt_id": taskID,
			"client_id": t.clientFor(taskID, evt),
			"status":    "failed",
			"progress":  0,
			"message":   fmt.Sprintf("Task executed failed: %s", errMsg),
			"error":     errMsg,
			"timestamp": t.clock.Now().Unix(),
		})
	}

	if evt.ClientID != "" {
		if mapped, ok := t.registry.TaskForClient(evt.ClientID); ok && mapped == taskID {
			t.registry.UnmapClient(evt.ClientID)
		}
	}
}

// handleProgressTick throttles per-frame progress pings onto the push
// channel; suppressed ticks do not advance the gate.
func (t *Tracker) handleProgressTick(taskID string, evt engine.Event) {
	if !t.registry.ShouldEmitProgress(taskID, t.interval) {
		return
	}
	prog, ok := t.registry.Progress(taskID)
	if !ok {
		return
	}
	t.queue.Enqueue(delivery.Item{
		TaskID:  taskID,
		Channel: delivery.Push,
		Event:   "task_workflow_progress",
		Payload: map[string]any{
			"prompt_id":        taskID,
			"status":           "running",
			"progress":         prog.Percent,
			"progress_details": prog,
		},
	})
}

// emitProgress enqueues a task_workflow_progress callback when the throttle
// gate allows. The gate only advances when an update is actually emitted.
func (t *Tracker) emitProgress(taskID string, evt engine.Event, prog task.Progress) {
	if _, hasURL := t.registry.CallbackURL(taskID); !hasURL {
		return
	}
	if !t.registry.ShouldEmitProgress(taskID, t.interval) {
		return
	}
	t.enqueueCallback(taskID, "task_workflow_progress", map[string]any{
		"prompt_id":        taskID,
		"client_id":        t.clientFor(taskID, evt),
		"status":           "running",
		"progress":         prog.Percent,
		"progress_details": prog,
		"message": fmt.Sprintf("Workflow total progress: %d%%, executed: %d/%d nodes, current node: %s",
			prog.Percent, prog.CompletedNodes, prog.TotalNodes, prog.CurrentNode),
		"timestamp": t.clock.Now().Unix(),
	})
}

// collectResult flattens all recorded node outputs into the media summary
// attached to terminal callbacks: output keys carrying "images" collect
// into images, keys carrying "videos" or "gifs" into videos.
func (t *Tracker) collectResult(taskID string) (map[string][]any, map[string]map[string]any) {
	result := map[string][]any{"images": {}, "videos": {}}
	outputs, ok := t.registry.Outputs(taskID)
	if !ok {
		return result, nil
	}
	for _, output := range outputs {
		for key, value := range output {
			items, isList := asList(value)
			if !isList {
				continue
			}
			switch {
			case strings.Contains(key, "images"):
				result["images"] = append(result["images"], items...)
			case strings.Contains(key, "videos"), strings.Contains(key, "gifs"):
				result["videos"] = append(result["videos"], items...)
			}
		}
	}
	return result, outputs
}

// asList normalizes a node output value to []any. Outputs decoded from JSON
// arrive as []any already; outputs built in-process may carry typed slices
// such as []string, so other slice kinds are flattened through reflection.
func asList(value any) ([]any, bool) {
	if items, ok := value.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(value)
	if !rv.IsValid() || rv.Kind() != reflect.Slice {
		return nil, false
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}

func (t *Tracker) pushRaw(taskID, event string, payload map[string]any) {
	t.queue.Enqueue(delivery.Item{
		TaskID:  taskID,
		Channel: delivery.Push,
		Event:   event,
		Payload: payload,
	})
}

func (t *Tracker) enqueueCallback(taskID, event string, payload map[string]any) {
	t.queue.Enqueue(delivery.Item{
		TaskID:  taskID,
		Channel: delivery.Callback,
		Event:   event,
		Payload: payload,
	})
}

func (t *Tracker) clientFor(taskID string, evt engine.Event) string {
	if evt.ClientID != "" {
		return evt.ClientID
	}
	return t.registry.OwnerClient(taskID)
}
