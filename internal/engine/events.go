// Package engine defines the contract with the node-graph execution engine:
// the lifecycle event union it emits, the queryable interface it must
// expose, and the Interceptor that taps its event stream.
package engine

// Kind is a closed enumeration of engine lifecycle event kinds. Using a
// tagged union instead of string-keyed handler maps keeps dispatch
// exhaustive at compile time.
type Kind int

const (
	// KindStart marks a task beginning execution.
	KindStart Kind = iota
	// KindCached marks nodes satisfied from the engine's cache.
	KindCached
	// KindNodeBegin marks a node entering execution.
	KindNodeBegin
	// KindNodeEnd marks a node finishing with its output payload.
	KindNodeEnd
	// KindError marks terminal failure of the whole task.
	KindError
	// KindSuccess marks terminal success of the whole task.
	KindSuccess
	// KindProgress carries per-frame progress ticks from long-running nodes.
	KindProgress
)

// String returns the wire name used for push delivery, matching the
// engine's native event vocabulary.
func (k Kind) String() string {
	switch k {
	case KindStart:
		return "execution_start"
	case KindCached:
		return "execution_cached"
	case KindNodeBegin:
		return "executing"
	case KindNodeEnd:
		return "executed"
	case KindError:
		return "execution_error"
	case KindSuccess:
		return "execution_success"
	case KindProgress:
		return "progress"
	default:
		return "unknown"
	}
}

// Event is one lifecycle event emitted by the engine. TaskID may be empty
// when the engine only knows the submitting client; consumers resolve it
// through the client->task mapping.
type Event struct {
	Kind        Kind
	TaskID      string
	ClientID    string
	NodeID      string
	CachedNodes []string
	Output      map[string]any
	ErrorMsg    string
	Value       int
	Max         int
}

// Broadcaster is the engine's native event emission point. The real engine
// broadcasts to its own UI clients; the Interceptor decorates this call.
type Broadcaster interface {
	Broadcast(evt Event)
}

// Observer receives a copy of every event the engine broadcasts.
type Observer interface {
	Observe(evt Event)
}

// BroadcasterFunc adapts a function to the Broadcaster interface.
type BroadcasterFunc func(evt Event)

// Broadcast calls f(evt).
func (f BroadcasterFunc) Broadcast(evt Event) { f(evt) }
