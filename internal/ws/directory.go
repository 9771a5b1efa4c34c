// Package ws manages live push connections: the subscription directory
// keyed by task ID and machine ID, and the websocket endpoints feeding it.
package ws

import "sync"

// Conn is the minimal surface the directory and dispatcher need from a
// live connection. *SocketConn satisfies it; tests use stubs.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Directory tracks live subscriptions across two independent keyspaces:
// task-scoped (many observers per task) and machine-scoped (one connection
// per machine, last connect wins), plus the machine->tasks index used to
// mirror task events to worker connections.
type Directory struct {
	mu           sync.RWMutex
	taskConns    map[string][]Conn
	machineConns map[string]Conn
	machineTasks map[string]map[string]struct{}
}

// NewDirectory constructs an empty Directory.
func NewDirectory() *Directory {
	return &Directory{
		taskConns:    make(map[string][]Conn),
		machineConns: make(map[string]Conn),
		machineTasks: make(map[string]map[string]struct{}),
	}
}

// AddTaskConn subscribes a connection to a task's updates.
func (d *Directory) AddTaskConn(taskID string, c Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.taskConns[taskID] = append(d.taskConns[taskID], c)
}

// RemoveTaskConn unsubscribes one connection; when the last subscriber
// goes, the task's entry is deleted entirely.
func (d *Directory) RemoveTaskConn(taskID string, c Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conns := d.taskConns[taskID]
	for i, existing := range conns {
		if existing == c {
			conns = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(conns) == 0 {
		delete(d.taskConns, taskID)
		return
	}
	d.taskConns[taskID] = conns
}

// TaskConns returns the current subscribers for a task.
func (d *Directory) TaskConns(taskID string) []Conn {
	d.mu.RLock()
	defer d.mu.RUnlock()
	conns := d.taskConns[taskID]
	out := make([]Conn, len(conns))
	copy(out, conns)
	return out
}

// SetMachineConn registers the sole connection for a machine, returning
// any connection it replaced so the caller can close it.
func (d *Directory) SetMachineConn(machineID string, c Conn) Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.machineConns[machineID]
	d.machineConns[machineID] = c
	if _, ok := d.machineTasks[machineID]; !ok {
		d.machineTasks[machineID] = make(map[string]struct{})
	}
	return prev
}

// RemoveMachineConn removes a machine's connection only if it still matches
// the stored one, so a stale close handler never evicts a newer
// reconnection. It reports whether an entry was removed.
func (d *Directory) RemoveMachineConn(machineID string, c Conn) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.machineConns[machineID] != c {
		return false
	}
	delete(d.machineConns, machineID)
	return true
}

// MachineConn returns the live connection for a machine, if any.
func (d *Directory) MachineConn(machineID string) (Conn, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.machineConns[machineID]
	return c, ok
}

// HasMachine reports whether a machine is known to the directory, either
// through a live connection or an accumulated task set.
func (d *Directory) HasMachine(machineID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, ok := d.machineConns[machineID]; ok {
		return true
	}
	_, ok := d.machineTasks[machineID]
	return ok
}

// AddMachineTask associates a task with a machine.
func (d *Directory) AddMachineTask(machineID, taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.machineTasks[machineID]
	if !ok {
		set = make(map[string]struct{})
		d.machineTasks[machineID] = set
	}
	set[taskID] = struct{}{}
}

// MachinesWithTask returns every machine whose task set contains taskID.
func (d *Directory) MachinesWithTask(taskID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var machines []string
	for machineID, set := range d.machineTasks {
		if _, ok := set[taskID]; ok {
			machines = append(machines, machineID)
		}
	}
	return machines
}
