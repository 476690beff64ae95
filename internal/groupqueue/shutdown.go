package groupqueue

// Shutdown marks the core as draining: all subsequent EnqueueMessageCheck
// and EnqueueTask calls are rejected. In-flight containers are never
// killed — they are detached so they can finish their current turn and
// exit on their own, matching the "detach, don't kill" shutdown contract.
// Callers that need a hard deadline should pair this with their own
// container registry drain/timeout, not with this method.
func (c *Core) Shutdown() {
	c.mu.Lock()
	c.shuttingDown = true

	var detached []string
	for jid, g := range c.groups {
		if g.activeMessage && g.messageHandle != nil {
			detached = append(detached, g.messageHandle.Name)
		}
		if g.activeTask && g.taskHandle != nil {
			detached = append(detached, g.taskHandle.Name)
		}
		_ = jid
	}
	c.mu.Unlock()

	c.publish(topicShutdown, map[string]any{"detached_containers": detached})
	for _, name := range detached {
		c.logger.Info("groupqueue: detaching in-flight container on shutdown", "container", name)
	}
}

// ShuttingDown reports whether Shutdown has been called.
func (c *Core) ShuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shuttingDown
}
