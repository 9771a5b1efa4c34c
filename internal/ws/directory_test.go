package ws

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubConn struct {
	mu       sync.Mutex
	messages []any
	closed   bool
	fail     bool
}

func (c *stubConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("write failed")
	}
	c.messages = append(c.messages, v)
	return nil
}

func (c *stubConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestDirectoryTaskConns(t *testing.T) {
	t.Parallel()

	d := NewDirectory()
	a, b := &stubConn{}, &stubConn{}
	d.AddTaskConn("p1", a)
	d.AddTaskConn("p1", b)
	d.AddTaskConn("p2", &stubConn{})

	require.Len(t, d.TaskConns("p1"), 2)
	require.Len(t, d.TaskConns("p2"), 1)
	require.Empty(t, d.TaskConns("p3"))

	d.RemoveTaskConn("p1", a)
	require.Len(t, d.TaskConns("p1"), 1)
	d.RemoveTaskConn("p1", b)
	require.Empty(t, d.TaskConns("p1"))

	// Removing a conn that was never registered is a no-op.
	d.RemoveTaskConn("p1", a)
}

func TestDirectoryMachineLastConnectWins(t *testing.T) {
	t.Parallel()

	d := NewDirectory()
	first, second := &stubConn{}, &stubConn{}

	require.Nil(t, d.SetMachineConn("m1", first))
	prev := d.SetMachineConn("m1", second)
	require.Same(t, first, prev.(*stubConn))

	conn, ok := d.MachineConn("m1")
	require.True(t, ok)
	require.Same(t, second, conn.(*stubConn))
}

func TestDirectoryStaleCloseDoesNotEvictReplacement(t *testing.T) {
	t.Parallel()

	d := NewDirectory()
	first, second := &stubConn{}, &stubConn{}
	d.SetMachineConn("m1", first)
	d.SetMachineConn("m1", second)

	// The first connection's deferred cleanup fires after it was replaced;
	// the live replacement must survive.
	require.False(t, d.RemoveMachineConn("m1", first))
	require.True(t, d.HasMachine("m1"))

	require.True(t, d.RemoveMachineConn("m1", second))
	require.False(t, d.HasMachine("m1"))
}

func TestDirectoryMachineTasks(t *testing.T) {
	t.Parallel()

	d := NewDirectory()
	d.AddMachineTask("m1", "p1")
	d.AddMachineTask("m1", "p1") // duplicate add collapses
	d.AddMachineTask("m2", "p1")
	d.AddMachineTask("m1", "p2")

	require.ElementsMatch(t, []string{"m1", "m2"}, d.MachinesWithTask("p1"))
	require.ElementsMatch(t, []string{"m1"}, d.MachinesWithTask("p2"))
	require.Empty(t, d.MachinesWithTask("p3"))
}
