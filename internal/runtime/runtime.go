// Package runtime declares the container runtime wrapper contract consumed
// by the Group-Queue Core and provides two concrete implementations: a
// Docker-backed runtime for production and a local-process runtime for
// development and tests.
package runtime

import "context"

// Lane identifies which of a group's two execution streams a container
// belongs to.
type Lane string

const (
	LaneMessage Lane = "message"
	LaneTask    Lane = "task"
)

// Input is the request handed to the container runtime wrapper to launch
// (or resume feeding) an agent container.
type Input struct {
	Prompt          string
	SessionID       string // non-empty resumes a prior container session
	GroupFolder     string
	ChatJid         string
	IsMain          bool
	IsScheduledTask bool
	AssistantName   string
}

// OutputEventKind tags the two-variant union of container output events.
type OutputEventKind string

const (
	OutputSuccess OutputEventKind = "success"
	OutputError   OutputEventKind = "error"
)

// OutputEvent is one framed event emitted by a running container.
type OutputEvent struct {
	Kind         OutputEventKind
	Result       string // textual result, only meaningful on OutputSuccess
	NewSessionID string // set when the container rotated its session id
	Error        string // error message, only meaningful on OutputError
}

// Result is returned once the container process has exited.
type Result struct {
	Status       string // "success" | "error"
	Result       string
	Error        string
	NewSessionID string
}

// Process is the minimal process-control surface the core needs from a
// spawned container: a logical name and a way to ask it to stop.
type Process interface {
	// Kill forcibly terminates the process. The core itself never calls
	// this during normal shutdown (detach, don't kill) — it exists for
	// tests and for runtimes that need a hard stop on context cancellation.
	Kill() error
}

// Handle is the opaque registration of a spawned container: identity,
// lane, group folder, and a handle back to the underlying process.
type Handle struct {
	GroupJid    string
	Lane        Lane
	GroupFolder string
	Name        string
	Proc        Process
}

// Runtime is the container runtime wrapper collaborator interface. Spawning,
// output framing, and first-output/idle timeouts are its responsibility and
// are out of the Group-Queue Core's scope; the core only needs to invoke it
// and receive framed events.
type Runtime interface {
	// RunContainerAgent spawns (or resumes) a container for the given group,
	// invoking onProcess once at spawn with the Handle, and onOutput for
	// each framed output event. It blocks until the container exits.
	RunContainerAgent(ctx context.Context, groupJid string, lane Lane, input Input,
		onProcess func(h *Handle), onOutput func(OutputEvent)) (Result, error)

	// WriteTasksSnapshot writes a JSON snapshot of peer scheduled tasks into
	// the group's IPC area so the container can introspect them.
	WriteTasksSnapshot(groupFolder string, isMain bool, tasks []TaskSnapshot) error

	// WriteQueueStatusSnapshot writes a JSON snapshot of queue status so the
	// container can introspect peer work.
	WriteQueueStatusSnapshot(groupFolder string, isMain bool, entries []QueueStatusEntry, groups []string) error
}

// TaskSnapshot is one row of the tasks snapshot written for a container.
type TaskSnapshot struct {
	ID            string `json:"id"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	NextRun       string `json:"next_run,omitempty"`
}

// QueueStatusEntry is one row of the queue-status snapshot written for a
// container.
type QueueStatusEntry struct {
	GroupJid      string `json:"group_jid"`
	ActiveMessage bool   `json:"active_message"`
	ActiveTask    bool   `json:"active_task"`
	PendingTasks  int    `json:"pending_tasks"`
}
