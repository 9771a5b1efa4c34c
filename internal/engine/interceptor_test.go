package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingObserver struct {
	events []Event
	panic  bool
}

func (o *recordingObserver) Observe(evt Event) {
	if o.panic {
		panic("observer boom")
	}
	o.events = append(o.events, evt)
}

func TestInterceptorForwardsBeforeObserving(t *testing.T) {
	t.Parallel()

	var order []string
	next := BroadcasterFunc(func(Event) { order = append(order, "next") })
	obs := &recordingObserver{}
	i := NewInterceptor(next, nil, NewToggles(true, false), zap.NewNop())
	i.Bind(obs)

	i.Broadcast(Event{Kind: KindStart, TaskID: "p1"})
	i.Broadcast(Event{Kind: KindNodeBegin, TaskID: "p1", NodeID: "1"})

	require.Equal(t, []string{"next", "next"}, order)
	require.Len(t, obs.events, 2)
	require.Equal(t, KindStart, obs.events[0].Kind)
	require.Equal(t, "1", obs.events[1].NodeID)
}

func TestInterceptorHandlingToggleGatesObservation(t *testing.T) {
	t.Parallel()

	forwarded := 0
	next := BroadcasterFunc(func(Event) { forwarded++ })
	obs := &recordingObserver{}
	toggles := NewToggles(false, false)
	i := NewInterceptor(next, obs, toggles, zap.NewNop())

	i.Broadcast(Event{Kind: KindStart, TaskID: "p1"})
	require.Equal(t, 1, forwarded) // original broadcast always runs
	require.Empty(t, obs.events)

	toggles.SetHandling(true)
	i.Broadcast(Event{Kind: KindSuccess, TaskID: "p1"})
	require.Equal(t, 2, forwarded)
	require.Len(t, obs.events, 1)
}

func TestInterceptorSwallowsObserverPanic(t *testing.T) {
	t.Parallel()

	forwarded := 0
	next := BroadcasterFunc(func(Event) { forwarded++ })
	i := NewInterceptor(next, &recordingObserver{panic: true}, NewToggles(true, false), zap.NewNop())

	require.NotPanics(t, func() {
		i.Broadcast(Event{Kind: KindNodeEnd, TaskID: "p1", NodeID: "2"})
	})
	require.Equal(t, 1, forwarded)
}

func TestInterceptorNilObserver(t *testing.T) {
	t.Parallel()

	i := NewInterceptor(nil, nil, NewToggles(true, true), zap.NewNop())
	require.NotPanics(t, func() {
		i.Broadcast(Event{Kind: KindProgress, TaskID: "p1", Value: 5, Max: 20})
	})
}

func TestEventKindWireNames(t *testing.T) {
	t.Parallel()

	require.Equal(t, "execution_start", KindStart.String())
	require.Equal(t, "execution_cached", KindCached.String())
	require.Equal(t, "executing", KindNodeBegin.String())
	require.Equal(t, "executed", KindNodeEnd.String())
	require.Equal(t, "execution_error", KindError.String())
	require.Equal(t, "execution_success", KindSuccess.String())
	require.Equal(t, "progress", KindProgress.String())
}
