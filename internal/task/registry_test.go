package task

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ihmily/comfy-deploy/internal/graph"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func fourNodeGraph() graph.Graph {
	return graph.Graph{
		"1": {ClassType: "LoadImage", Inputs: map[string]any{}},
		"2": {ClassType: "KSampler", Inputs: map[string]any{}},
		"3": {ClassType: "VAEDecode", Inputs: map[string]any{}},
		"4": {ClassType: "SaveImage", Inputs: map[string]any{}},
	}
}

func TestRegistryStartInitializesFromDefinition(t *testing.T) {
	t.Parallel()

	r := NewRegistry(newFakeClock())
	r.Start("p1", "client-a", fourNodeGraph())

	prog, ok := r.Progress("p1")
	require.True(t, ok)
	require.Equal(t, 4, prog.TotalNodes)
	require.Equal(t, 0, prog.Percent)
	require.Equal(t, 0, prog.CompletedNodes)
	require.Empty(t, prog.ExecutionOrder)
	require.Equal(t, "client-a", r.OwnerClient("p1"))
}

func TestRegistryStartNilDefinitionUsesPlaceholder(t *testing.T) {
	t.Parallel()

	r := NewRegistry(newFakeClock())
	r.Start("p1", "", nil)

	prog, ok := r.Progress("p1")
	require.True(t, ok)
	require.Equal(t, 100, prog.TotalNodes)
}

func TestRegistryStartResetsAccumulatedState(t *testing.T) {
	t.Parallel()

	r := NewRegistry(newFakeClock())
	r.Start("p1", "c", fourNodeGraph())
	r.BeginNode("p1", "1")
	r.EndNode("p1", "1", map[string]any{"images": []any{"a.png"}})

	r.Start("p1", "c", fourNodeGraph())
	prog, _ := r.Progress("p1")
	require.Equal(t, 0, prog.CompletedNodes)
	require.Empty(t, prog.ExecutionOrder)
	outs, _ := r.Outputs("p1")
	require.Empty(t, outs)
}

func TestRegistryStartResetsProgressThrottle(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	r := NewRegistry(clk)
	r.Start("p1", "c", fourNodeGraph())
	require.True(t, r.ShouldEmitProgress("p1", 500*time.Millisecond))

	// A resubmitted task must not inherit the previous run's gate, or its
	// first progress update could be suppressed.
	r.Start("p1", "c", fourNodeGraph())
	require.True(t, r.ShouldEmitProgress("p1", 500*time.Millisecond))
}

func TestRegistryPercentFormula(t *testing.T) {
	t.Parallel()

	r := NewRegistry(newFakeClock())
	r.Start("p1", "c", fourNodeGraph())

	prog, ok := r.BeginNode("p1", "1")
	require.True(t, ok)
	require.Equal(t, 0, prog.Percent) // (1-1)*100/4

	r.EndNode("p1", "1", nil)
	prog, _ = r.BeginNode("p1", "2")
	require.Equal(t, 25, prog.Percent) // (2-1)*100/4

	r.EndNode("p1", "2", nil)
	prog, _ = r.BeginNode("p1", "3")
	require.Equal(t, 50, prog.Percent)

	r.EndNode("p1", "3", nil)
	prog, _ = r.BeginNode("p1", "4")
	require.Equal(t, 75, prog.Percent)

	require.True(t, r.Finish("p1"))
	prog, _ = r.Progress("p1")
	require.Equal(t, 100, prog.Percent)
}

func TestRegistryPercentNeverDecreases(t *testing.T) {
	t.Parallel()

	r := NewRegistry(newFakeClock())
	r.Start("p1", "c", fourNodeGraph())
	for _, id := range []string{"1", "2", "3"} {
		r.BeginNode("p1", id)
		r.EndNode("p1", id, nil)
	}
	prog, _ := r.Progress("p1")
	require.Equal(t, 50, prog.Percent)

	// Revisiting an already-seen node must not move percent backwards.
	prog, _ = r.BeginNode("p1", "1")
	require.Equal(t, 50, prog.Percent)
}

func TestRegistryBeginNodeCountsEachNodeOnce(t *testing.T) {
	t.Parallel()

	r := NewRegistry(newFakeClock())
	r.Start("p1", "c", fourNodeGraph())
	r.BeginNode("p1", "1")
	r.BeginNode("p1", "1")
	r.BeginNode("p1", "1")

	prog, _ := r.Progress("p1")
	require.Equal(t, 1, prog.CompletedNodes)
	require.Equal(t, []string{"1"}, prog.ExecutionOrder)
}

func TestRegistryEndNodeIdempotentAndRecordsOutput(t *testing.T) {
	t.Parallel()

	r := NewRegistry(newFakeClock())
	r.Start("p1", "c", fourNodeGraph())
	r.BeginNode("p1", "1")

	out := map[string]any{"images": []any{map[string]any{"filename": "a.png"}}}
	prog, ok := r.EndNode("p1", "1", out)
	require.True(t, ok)
	require.Equal(t, "", prog.ActiveNode)
	require.Equal(t, "1", prog.CurrentNode)
	require.Equal(t, NodeProgress{Value: 100, Max: 100, Percent: 100}, prog.NodeProgress["1"])

	// Duplicate end events change nothing.
	r.EndNode("p1", "1", out)
	prog2, _ := r.Progress("p1")
	require.Equal(t, prog.CompletedNodes, prog2.CompletedNodes)

	got, ok := r.NodeOutput("p1", "1")
	require.True(t, ok)
	require.Equal(t, out, got)
}

func TestRegistryBeginNodeUnknownTask(t *testing.T) {
	t.Parallel()

	r := NewRegistry(newFakeClock())
	_, ok := r.BeginNode("missing", "1")
	require.False(t, ok)
	_, ok = r.EndNode("missing", "1", nil)
	require.False(t, ok)
	require.False(t, r.Finish("missing"))
}

func TestRegistryIsTracked(t *testing.T) {
	t.Parallel()

	r := NewRegistry(newFakeClock())
	require.False(t, r.IsTracked("p1"))

	r.MarkAPICreated("p1")
	require.True(t, r.IsTracked("p1"))
	r.Cleanup("p1")
	require.False(t, r.IsTracked("p1"))

	r.SetCallbackURL("p2", "http://example.com/hook")
	require.True(t, r.IsTracked("p2"))
	r.ClearCallback("p2")
	require.False(t, r.IsTracked("p2"))

	r.MapClient("machine-1", "p3")
	require.True(t, r.IsTracked("p3"))
	r.UnmapClient("machine-1")
	require.False(t, r.IsTracked("p3"))
}

func TestRegistryClearCallbackIdempotent(t *testing.T) {
	t.Parallel()

	r := NewRegistry(newFakeClock())
	r.MarkAPICreated("p1")
	r.SetCallbackURL("p1", "http://example.com/hook")

	r.ClearCallback("p1")
	_, ok := r.CallbackURL("p1")
	require.False(t, ok)
	require.False(t, r.IsTracked("p1"))

	r.ClearCallback("p1") // second call is a no-op
	_, ok = r.CallbackURL("p1")
	require.False(t, ok)
}

func TestRegistryClientMapping(t *testing.T) {
	t.Parallel()

	r := NewRegistry(newFakeClock())
	r.MapClient("machine-1", "p1")
	r.MapClient("machine-2", "p1")

	id, ok := r.TaskForClient("machine-1")
	require.True(t, ok)
	require.Equal(t, "p1", id)

	clients := r.ClientsForTask("p1")
	require.ElementsMatch(t, []string{"machine-1", "machine-2"}, clients)

	r.Cleanup("p1")
	_, ok = r.TaskForClient("machine-1")
	require.False(t, ok)
	require.Empty(t, r.ClientsForTask("p1"))
}

func TestRegistryShouldEmitProgressThrottle(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	r := NewRegistry(clk)
	r.Start("p1", "c", fourNodeGraph())

	const interval = 500 * time.Millisecond

	require.True(t, r.ShouldEmitProgress("p1", interval))
	require.False(t, r.ShouldEmitProgress("p1", interval))

	clk.Advance(200 * time.Millisecond)
	require.False(t, r.ShouldEmitProgress("p1", interval))

	clk.Advance(300 * time.Millisecond)
	require.True(t, r.ShouldEmitProgress("p1", interval))
	require.False(t, r.ShouldEmitProgress("p1", interval))
}

func TestRegistryThrottleGateOnlyAdvancesOnEmit(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	r := NewRegistry(clk)
	r.Start("p1", "c", fourNodeGraph())

	const interval = 500 * time.Millisecond

	require.True(t, r.ShouldEmitProgress("p1", interval))

	// A burst of suppressed checks must not push the gate forward: the
	// next emit happens exactly one interval after the last emitted one.
	for i := 0; i < 4; i++ {
		clk.Advance(100 * time.Millisecond)
		require.False(t, r.ShouldEmitProgress("p1", interval))
	}
	clk.Advance(100 * time.Millisecond)
	require.True(t, r.ShouldEmitProgress("p1", interval))
}

func TestRegistryEvictIdle(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	r := NewRegistry(clk)
	r.Start("old", "machine-1", fourNodeGraph())
	r.MapClient("machine-1", "old")
	r.MarkAPICreated("old")

	clk.Advance(2 * time.Hour)
	r.Start("fresh", "machine-2", fourNodeGraph())

	evicted := r.EvictIdle(time.Hour)
	require.Equal(t, []string{"old"}, evicted)

	_, ok := r.Progress("old")
	require.False(t, ok)
	require.False(t, r.IsTracked("old"))
	_, ok = r.TaskForClient("machine-1")
	require.False(t, ok)

	_, ok = r.Progress("fresh")
	require.True(t, ok)
}

func TestRegistryEvictIdleZeroTTLDisabled(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	r := NewRegistry(clk)
	r.Start("p1", "c", fourNodeGraph())
	clk.Advance(24 * time.Hour)

	require.Nil(t, r.EvictIdle(0))
	_, ok := r.Progress("p1")
	require.True(t, ok)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := NewRegistry(newFakeClock())
	r.Start("p1", "c", fourNodeGraph())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, id := range []string{"1", "2", "3", "4"} {
				r.BeginNode("p1", id)
				r.EndNode("p1", id, nil)
				r.Progress("p1")
			}
		}()
	}
	wg.Wait()

	prog, ok := r.Progress("p1")
	require.True(t, ok)
	require.Equal(t, 4, prog.CompletedNodes)
	require.Len(t, prog.ExecutionOrder, 4)
}
