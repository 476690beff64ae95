package groupqueue

import (
	"context"
	"time"

	"github.com/basket/go-claw/internal/runtime"
)

// addWaiting appends groupJid to waitingGroups, deduplicated. Must be called
// with c.mu held.
func (c *Core) addWaiting(groupJid string) {
	if _, ok := c.waitingSet[groupJid]; ok {
		return
	}
	c.waitingSet[groupJid] = struct{}{}
	c.waitingGroups = append(c.waitingGroups, groupJid)
}

// EnqueueMessageCheck ensures the message lane for groupJid will run. It
// guarantees the global slot counter is incremented synchronously, before
// any asynchronous handoff, so two back-to-back calls can never overshoot
// MAX_CONCURRENT_CONTAINERS.
func (c *Core) EnqueueMessageCheck(groupJid string) {
	c.mu.Lock()

	if c.shuttingDown {
		c.mu.Unlock()
		c.logger.Info("groupqueue: reject message enqueue, shutting down", "group", groupJid)
		return
	}

	g := c.group(groupJid)

	if g.activeMessage {
		g.pendingMessages = true
		c.mu.Unlock()
		return
	}

	if c.activeCount == c.cfg.MaxConcurrentContainers {
		g.pendingMessages = true
		c.addWaiting(groupJid)
		c.mu.Unlock()
		return
	}

	g.activeMessage = true
	g.idleWaiting = false
	g.pendingMessages = false
	c.activeCount++
	c.mu.Unlock()

	go c.runMessage(context.Background(), groupJid)
}

// EnqueueTask ensures the task lane for groupJid runs closure under taskID.
// A second call with the same taskID while it is already pending is a
// silent no-op (idempotent).
func (c *Core) EnqueueTask(groupJid, taskID string, closure TaskClosure) {
	var preemptFolder string

	c.mu.Lock()

	if c.shuttingDown {
		c.mu.Unlock()
		c.logger.Info("groupqueue: reject task enqueue, shutting down", "group", groupJid, "task_id", taskID)
		return
	}

	g := c.group(groupJid)

	for _, p := range g.pendingTasks {
		if p.taskID == taskID {
			c.mu.Unlock()
			return
		}
	}

	if g.activeTask {
		g.pendingTasks = append(g.pendingTasks, pendingTask{taskID: taskID, closure: closure})
		c.mu.Unlock()
		return
	}

	// Preemption: a message container that has finished speaking and is
	// idle-waiting for more input gets its stdin closed so its slot frees
	// up for this task.
	if g.activeMessage && g.idleWaiting {
		preemptFolder = g.folderFor(runtime.LaneMessage)
	}

	if c.activeCount == c.cfg.MaxConcurrentContainers {
		g.pendingTasks = append(g.pendingTasks, pendingTask{taskID: taskID, closure: closure})
		c.addWaiting(groupJid)
		c.mu.Unlock()
		if preemptFolder != "" {
			c.writeClose(preemptFolder)
		}
		return
	}

	g.activeTask = true
	c.activeCount++
	c.mu.Unlock()

	if preemptFolder != "" {
		c.writeClose(preemptFolder)
	}
	go c.runTask(context.Background(), groupJid, taskID, closure)
}

func (c *Core) runMessage(ctx context.Context, groupJid string) {
	c.mu.Lock()
	fn := c.processMessages
	c.mu.Unlock()

	ok := c.invokeMessage(ctx, fn, groupJid)
	c.completeMessage(groupJid, ok)
}

func (c *Core) invokeMessage(ctx context.Context, fn MessageCallback, groupJid string) (ok bool) {
	if fn == nil {
		c.logger.Error("groupqueue: no message callback installed", "group", groupJid)
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("groupqueue: message callback panicked", "group", groupJid, "panic", r)
			ok = false
		}
	}()
	return fn(ctx, groupJid)
}

func (c *Core) runTask(ctx context.Context, groupJid, taskID string, closure TaskClosure) {
	ok := c.invokeTask(ctx, closure, groupJid)
	c.completeTask(groupJid, taskID, ok)
}

func (c *Core) invokeTask(ctx context.Context, closure TaskClosure, groupJid string) (ok bool) {
	if closure == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("groupqueue: task closure panicked", "group", groupJid, "panic", r)
			ok = false
		}
	}()
	return closure(ctx, groupJid)
}

// completeMessage runs the message-lane completion path: on failure it
// schedules a bounded exponential-backoff retry, then clears the lane and
// drains.
func (c *Core) completeMessage(groupJid string, ok bool) {
	c.mu.Lock()
	g := c.group(groupJid)

	if ok {
		g.retryCount = 0
	} else {
		g.retryCount++
		if g.retryCount > c.cfg.MaxRetries {
			g.retryCount = 0
		} else {
			delay := c.cfg.BaseRetryDelay * time.Duration(1<<uint(g.retryCount-1))
			g.retryTimer = scheduleRetry(delay, func() { c.EnqueueMessageCheck(groupJid) })
		}
	}

	g.messageHandle = nil
	g.activeMessage = false
	c.activeCount--
	launches := c.drainGroup(groupJid)
	c.mu.Unlock()

	c.publish(topicMessageLaneCompleted, map[string]any{"group_jid": groupJid, "success": ok})
	for _, fn := range launches {
		go fn()
	}
}

// completeTask runs the task-lane completion path. The task lane never
// retries automatically: the Task Scheduler alone decides re-runs via
// next_run advancement.
func (c *Core) completeTask(groupJid, taskID string, ok bool) {
	c.mu.Lock()
	g := c.group(groupJid)
	g.taskHandle = nil
	g.activeTask = false
	c.activeCount--
	launches := c.drainGroup(groupJid)
	c.mu.Unlock()

	c.publish(topicTaskLaneCompleted, map[string]any{"group_jid": groupJid, "task_id": taskID, "success": ok})
	for _, fn := range launches {
		go fn()
	}
}

// drainGroup promotes the group's own pending work (messages before tasks)
// and, if nothing remains pending for it, drains the global waiting-groups
// queue. Must be called with c.mu held; returns launch thunks to run after
// unlock.
func (c *Core) drainGroup(groupJid string) []func() {
	g := c.group(groupJid)
	var launches []func()

	if g.pendingMessages && !g.activeMessage && c.activeCount < c.cfg.MaxConcurrentContainers {
		g.activeMessage = true
		g.idleWaiting = false
		g.pendingMessages = false
		c.activeCount++
		launches = append(launches, func() { c.runMessage(context.Background(), groupJid) })
	}

	if len(g.pendingTasks) > 0 && !g.activeTask && c.activeCount < c.cfg.MaxConcurrentContainers {
		pt := g.pendingTasks[0]
		g.pendingTasks = g.pendingTasks[1:]
		g.activeTask = true
		c.activeCount++
		launches = append(launches, func() { c.runTask(context.Background(), groupJid, pt.taskID, pt.closure) })
	}

	if !g.pendingMessages && len(g.pendingTasks) == 0 {
		launches = append(launches, c.drainWaiting()...)
	}

	return launches
}

// drainWaiting repeatedly pops from waitingGroups while the global cap has
// headroom, promoting whichever inactive lane(s) of that group have pending
// work. A group that still has unpromoted pending work after an attempt
// (e.g. the cap filled mid-promotion) is re-queued at the back. Must be
// called with c.mu held.
func (c *Core) drainWaiting() []func() {
	var launches []func()

	for c.activeCount < c.cfg.MaxConcurrentContainers && len(c.waitingGroups) > 0 {
		groupJid := c.waitingGroups[0]
		c.waitingGroups = c.waitingGroups[1:]
		delete(c.waitingSet, groupJid)

		g := c.group(groupJid)

		if g.pendingMessages && !g.activeMessage && c.activeCount < c.cfg.MaxConcurrentContainers {
			g.activeMessage = true
			g.idleWaiting = false
			g.pendingMessages = false
			c.activeCount++
			launches = append(launches, func() { c.runMessage(context.Background(), groupJid) })
		}

		if len(g.pendingTasks) > 0 && !g.activeTask && c.activeCount < c.cfg.MaxConcurrentContainers {
			pt := g.pendingTasks[0]
			g.pendingTasks = g.pendingTasks[1:]
			g.activeTask = true
			c.activeCount++
			launches = append(launches, func() { c.runTask(context.Background(), groupJid, pt.taskID, pt.closure) })
		}

		if g.pendingMessages || len(g.pendingTasks) > 0 {
			c.addWaiting(groupJid)
		}
	}

	return launches
}
