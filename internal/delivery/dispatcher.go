package delivery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ihmily/comfy-deploy/internal/callback"
	"github.com/ihmily/comfy-deploy/internal/metrics"
	"github.com/ihmily/comfy-deploy/internal/task"
	"github.com/ihmily/comfy-deploy/internal/ws"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultErrorBackoff = time.Second
)

// Config controls the dispatcher loop.
//   - PollInterval: idle sleep between queue polls (default 100ms).
//   - ErrorBackoff: pause after an unexpected dispatch failure (default 1s).
//   - TaskTTL: idle-task eviction age; zero keeps tasks forever, matching
//     the explicit-cleanup-only lifecycle.
type Config struct {
	PollInterval time.Duration
	ErrorBackoff time.Duration
	TaskTTL      time.Duration
}

// Dispatcher is the queue's single consumer: it pops items in enqueue order
// and performs the two delivery mechanisms. Per-task ordering is preserved
// because one loop drains one FIFO; failures are local and never stop the
// loop.
type Dispatcher struct {
	queue     *Queue
	registry  *task.Registry
	directory *ws.Directory
	callbacks *callback.Sender
	clock     task.Clock
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewDispatcher wires the delivery loop's collaborators.
func NewDispatcher(
	queue *Queue,
	registry *task.Registry,
	directory *ws.Directory,
	callbacks *callback.Sender,
	clock task.Clock,
	cfg Config,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = defaultErrorBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:     queue,
		registry:  registry,
		directory: directory,
		callbacks: callbacks,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
	}
}

// Run drains the queue until ctx is done. When the queue is empty the loop
// sleeps for the poll interval and runs housekeeping instead of blocking,
// so idle periods still update gauges and sweep expired tasks.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		item, ok := d.queue.TryDequeue()
		if !ok {
			d.housekeep()
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.cfg.PollInterval):
			}
			continue
		}
		d.dispatch(ctx, item)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, item Item) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("delivery dispatch panicked",
				zap.String("task_id", item.TaskID),
				zap.String("event", item.Event),
				zap.Any("panic", rec),
			)
			select {
			case <-ctx.Done():
			case <-time.After(d.cfg.ErrorBackoff):
			}
		}
	}()
	switch item.Channel {
	case Push:
		d.deliverPush(item)
	case Callback:
		d.deliverCallback(ctx, item)
	}
}

// deliverPush fans an item out to every task-scoped subscriber, pruning
// connections that fail, then mirrors everything except per-frame progress
// pings to the machines associated with the task.
func (d *Dispatcher) deliverPush(item Item) {
	payload := d.enrich(item.TaskID, item.Event, item.Payload)
	message := map[string]any{"event": item.Event, "data": payload}

	for _, conn := range d.directory.TaskConns(item.TaskID) {
		if err := conn.WriteJSON(message); err != nil {
			d.logger.Warn("push delivery failed, pruning subscriber",
				zap.String("task_id", item.TaskID),
				zap.String("event", item.Event),
				zap.Error(err),
			)
			d.directory.RemoveTaskConn(item.TaskID, conn)
			d.metrics.Delivery("push", "error")
			continue
		}
		d.metrics.Delivery("push", "ok")
	}

	if item.Event != "progress" {
		d.mirrorToMachines(item.TaskID, message)
	}
}

// mirrorToMachines resolves every machine referencing the task, through
// both the client->task mapping and the machine->tasks index, and sends
// the message to each machine's live connection.
func (d *Dispatcher) mirrorToMachines(taskID string, message map[string]any) {
	seen := make(map[string]struct{})
	for _, machineID := range d.registry.ClientsForTask(taskID) {
		seen[machineID] = struct{}{}
		d.directory.AddMachineTask(machineID, taskID)
	}
	for _, machineID := range d.directory.MachinesWithTask(taskID) {
		seen[machineID] = struct{}{}
	}
	for machineID := range seen {
		conn, ok := d.directory.MachineConn(machineID)
		if !ok {
			continue
		}
		if err := conn.WriteJSON(message); err != nil {
			d.logger.Warn("machine push failed, removing connection",
				zap.String("machine_id", machineID),
				zap.String("task_id", taskID),
				zap.Error(err),
			)
			d.directory.RemoveMachineConn(machineID, conn)
			d.metrics.Delivery("push", "error")
			continue
		}
		d.metrics.Delivery("push", "ok")
	}
}

// deliverCallback posts the item to the task's registered callback URL.
// Missing URLs drop silently; terminal events end callback eligibility
// whether or not the post succeeded.
func (d *Dispatcher) deliverCallback(ctx context.Context, item Item) {
	url, ok := d.registry.CallbackURL(item.TaskID)
	if !ok {
		return
	}
	start := time.Now()
	err := d.callbacks.Send(ctx, url, item.Event, item.Payload, d.clock.Now().Unix())
	d.metrics.ObserveCallback(time.Since(start).Seconds())
	if err != nil {
		d.metrics.Delivery("callback", "error")
	} else {
		d.metrics.Delivery("callback", "ok")
	}
	if item.Event == "task_success" || item.Event == "task_failed" {
		d.registry.ClearCallback(item.TaskID)
	}
}

// enrich copies the payload and derives the live_status field: the class
// type of the node currently executing, or a coarse lifecycle label.
func (d *Dispatcher) enrich(taskID, event string, payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		out[k] = v
	}
	if _, ok := out["live_status"]; ok {
		return out
	}
	status, _ := out["status"].(string)
	switch {
	case event == "execution_success" || event == "task_success" || status == "success" || status == "completed":
		out["live_status"] = "completed"
	case event == "execution_error" || event == "task_failed" || status == "failed" || status == "error":
		out["live_status"] = "failed"
	case status == "queued":
		out["live_status"] = "queued"
	default:
		if prog, ok := d.registry.Progress(taskID); ok {
			nodeID := prog.CurrentNode
			if nodeID == "" {
				nodeID = prog.ActiveNode
			}
			if nodeID != "" {
				out["live_status"] = d.registry.ClassType(taskID, nodeID)
				out["node_id"] = nodeID
			} else {
				out["live_status"] = "running"
			}
			if _, ok := out["progress"]; !ok {
				out["progress"] = prog.Percent
			}
		} else {
			out["live_status"] = "running"
		}
	}
	return out
}

func (d *Dispatcher) housekeep() {
	d.metrics.SetQueueDepth(d.queue.Len())
	if d.cfg.TaskTTL > 0 {
		if evicted := d.registry.EvictIdle(d.cfg.TaskTTL); len(evicted) > 0 {
			d.metrics.TasksEvicted(len(evicted))
			d.logger.Info("evicted idle tasks", zap.Strings("task_ids", evicted))
		}
	}
}
