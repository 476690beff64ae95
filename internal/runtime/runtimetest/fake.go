// Package runtimetest provides a controllable fake implementation of
// runtime.Runtime for use in tests of the Group-Queue Core, Task Scheduler,
// and Message Pipeline Adapter.
package runtimetest

import (
	"context"
	"sync"

	"github.com/basket/go-claw/internal/runtime"
)

// Invocation records one call to RunContainerAgent.
type Invocation struct {
	GroupJid string
	Lane     runtime.Lane
	Input    runtime.Input
}

// Fake is an in-memory runtime.Runtime. By default RunContainerAgent
// succeeds immediately with an empty result; tests can install a Handler to
// control timing and output events, which is essential for exercising the
// Group-Queue Core's preemption and retry behavior deterministically.
type Fake struct {
	mu          sync.Mutex
	invocations []Invocation
	snapshots   []runtime.TaskSnapshot
	statuses    []runtime.QueueStatusEntry

	// Handler, if set, is called instead of the default success behavior.
	Handler func(ctx context.Context, groupJid string, lane runtime.Lane, input runtime.Input,
		onProcess func(h *runtime.Handle), onOutput func(runtime.OutputEvent)) (runtime.Result, error)
}

func New() *Fake {
	return &Fake{}
}

func (f *Fake) RunContainerAgent(ctx context.Context, groupJid string, lane runtime.Lane, input runtime.Input,
	onProcess func(h *runtime.Handle), onOutput func(runtime.OutputEvent)) (runtime.Result, error) {

	f.mu.Lock()
	f.invocations = append(f.invocations, Invocation{GroupJid: groupJid, Lane: lane, Input: input})
	f.mu.Unlock()

	if onProcess != nil {
		onProcess(&runtime.Handle{
			GroupJid:    groupJid,
			Lane:        lane,
			GroupFolder: input.GroupFolder,
			Name:        "fake-" + string(lane) + "-" + groupJid,
			Proc:        noopProcess{},
		})
	}

	if f.Handler != nil {
		return f.Handler(ctx, groupJid, lane, input, onProcess, onOutput)
	}
	return runtime.Result{Status: "success"}, nil
}

func (f *Fake) WriteTasksSnapshot(groupFolder string, isMain bool, tasks []runtime.TaskSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = tasks
	return nil
}

func (f *Fake) WriteQueueStatusSnapshot(groupFolder string, isMain bool, entries []runtime.QueueStatusEntry, groups []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = entries
	return nil
}

// Invocations returns a copy of the recorded calls so far.
func (f *Fake) Invocations() []Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Invocation, len(f.invocations))
	copy(out, f.invocations)
	return out
}

// Snapshots returns the tasks slice passed to the most recent
// WriteTasksSnapshot call, or nil if none has happened yet.
func (f *Fake) Snapshots() []runtime.TaskSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots
}

// Statuses returns the entries slice passed to the most recent
// WriteQueueStatusSnapshot call, or nil if none has happened yet.
func (f *Fake) Statuses() []runtime.QueueStatusEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses
}

type noopProcess struct{}

func (noopProcess) Kill() error { return nil }

var _ runtime.Runtime = (*Fake)(nil)
