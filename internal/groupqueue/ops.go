package groupqueue

import (
	"github.com/basket/go-claw/internal/ipc"
	"github.com/basket/go-claw/internal/runtime"
)

// RegisterHandle records the live process handle for a lane, along with the
// IPC folder the runtime actually used. Adapters and the Task Scheduler call
// this from the onProcess callback passed to runtime.Runtime.RunContainerAgent.
func (c *Core) RegisterHandle(h *runtime.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.group(h.GroupJid)
	switch h.Lane {
	case runtime.LaneTask:
		g.taskHandle = h
		if h.GroupFolder != "" {
			g.taskFolder = h.GroupFolder
		}
	default:
		g.messageHandle = h
		if h.GroupFolder != "" {
			g.messageFolder = h.GroupFolder
		}
	}
}

// NotifyIdle marks the message lane as idle-waiting for more input. If a
// task is already pending and inactive, the message lane is preempted: its
// stdin is closed so its slot frees up for the task.
func (c *Core) NotifyIdle(groupJid string) {
	c.mu.Lock()
	g := c.group(groupJid)
	g.idleWaiting = true
	preempt := len(g.pendingTasks) > 0 && !g.activeTask
	folder := g.folderFor(runtime.LaneMessage)
	c.mu.Unlock()

	if preempt {
		c.writeClose(folder)
	}
}

// NotifyTaskIdle exists for symmetry with NotifyIdle; the task lane never
// idle-waits for further input, so it is a no-op.
func (c *Core) NotifyTaskIdle(groupJid string) {}

// SendMessage delivers text to the live message-lane container for groupJid,
// if one is running. It reports whether a container was active and known to
// be addressable; the write itself is best-effort (a failure is logged and
// swallowed, matching the IPC error-handling policy elsewhere in the core).
func (c *Core) SendMessage(groupJid, text string) bool {
	c.mu.Lock()
	g := c.group(groupJid)
	active := g.activeMessage
	folder := g.folderFor(runtime.LaneMessage)
	if active {
		g.idleWaiting = false
	}
	c.mu.Unlock()

	if !active || folder == "" {
		return false
	}

	if err := ipc.WriteInput(c.cfg.DataDir, folder, text); err != nil {
		c.logger.Debug("groupqueue: write input failed", "group", groupJid, "folder", folder, "error", err)
	}
	return true
}

// CloseStdin asks the message-lane container for groupJid to drain and exit.
func (c *Core) CloseStdin(groupJid string) {
	c.mu.Lock()
	g := c.group(groupJid)
	folder := g.folderFor(runtime.LaneMessage)
	c.mu.Unlock()
	c.writeClose(folder)
}

// CloseTaskStdin asks the task-lane container for groupJid to drain and exit.
func (c *Core) CloseTaskStdin(groupJid string) {
	c.mu.Lock()
	g := c.group(groupJid)
	folder := g.folderFor(runtime.LaneTask)
	c.mu.Unlock()
	c.writeClose(folder)
}

// IsBusy reports whether groupJid's message lane is actively conversing
// (running and not idle-waiting for more input).
func (c *Core) IsBusy(groupJid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.group(groupJid)
	return g.activeMessage && !g.idleWaiting
}

// GroupStatus is a point-in-time snapshot of one group's lane state, used by
// the /status operator command and the TUI status pane.
type GroupStatus struct {
	GroupJid      string `json:"group_jid"`
	ActiveMessage bool   `json:"active_message"`
	ActiveTask    bool   `json:"active_task"`
	PendingTasks  int    `json:"pending_tasks"`
	Waiting       bool   `json:"waiting"`
}

// GetStatus returns a snapshot of every group with any active or pending
// work (message or task lane), plus aggregate counters. Groups that are
// fully idle are omitted.
func (c *Core) GetStatus() (active int, waiting int, groups []GroupStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	groups = make([]GroupStatus, 0, len(c.groups))
	for jid, g := range c.groups {
		_, isWaiting := c.waitingSet[jid]
		if !g.activeMessage && !g.activeTask && len(g.pendingTasks) == 0 && !isWaiting {
			continue
		}
		groups = append(groups, GroupStatus{
			GroupJid:      jid,
			ActiveMessage: g.activeMessage,
			ActiveTask:    g.activeTask,
			PendingTasks:  len(g.pendingTasks),
			Waiting:       isWaiting,
		})
	}
	return c.activeCount, len(c.waitingGroups), groups
}
