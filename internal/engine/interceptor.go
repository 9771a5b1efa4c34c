package engine

import (
	"go.uber.org/zap"
)

// Interceptor decorates the engine's Broadcaster so every lifecycle event
// also reaches the aggregation pipeline. The original broadcast always runs
// first and its behavior is never altered; observation failures are
// recovered, logged, and swallowed so the engine's call path cannot be
// broken by the pipeline.
type Interceptor struct {
	next    Broadcaster
	obs     Observer
	toggles *Toggles
	logger  *zap.Logger
}

// NewInterceptor composes the engine's native broadcast with the observer.
// Construct it once at startup and hand it to the engine in place of its
// original Broadcaster.
func NewInterceptor(next Broadcaster, obs Observer, toggles *Toggles, logger *zap.Logger) *Interceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interceptor{next: next, obs: obs, toggles: toggles, logger: logger}
}

// Bind attaches the observer. The engine queries and the observer consume
// each other, so the observer is bound after both exist; call Bind before
// the engine starts broadcasting.
func (i *Interceptor) Bind(obs Observer) {
	i.obs = obs
}

// Broadcast forwards the event unchanged, then observes it when event
// handling is enabled. The toggle is read on every call.
func (i *Interceptor) Broadcast(evt Event) {
	if i.next != nil {
		i.next.Broadcast(evt)
	}
	if i.obs == nil || !i.toggles.HandlingEnabled() {
		return
	}
	if i.toggles.VerboseEnabled() {
		i.logger.Info("engine event observed",
			zap.String("event", evt.Kind.String()),
			zap.String("task_id", evt.TaskID),
			zap.String("client_id", evt.ClientID),
			zap.String("node_id", evt.NodeID),
		)
	}
	defer func() {
		if rec := recover(); rec != nil {
			i.logger.Error("event observation panicked",
				zap.String("event", evt.Kind.String()),
				zap.String("task_id", evt.TaskID),
				zap.Any("panic", rec),
			)
		}
	}()
	i.obs.Observe(evt)
}
