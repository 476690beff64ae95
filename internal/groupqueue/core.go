// Package groupqueue implements the Group-Queue Core: the per-group,
// dual-lane container scheduler that sits at the heart of the chat-agent
// orchestrator. It decides when a container is launched for a group, which
// lane it runs in, how it is coordinated with other groups under a global
// concurrency cap, and how it cooperates with the Task Scheduler.
//
// The core is logically single-threaded at its decision points
// (EnqueueMessageCheck, EnqueueTask, drainGroup, drainWaiting, and the
// completion path): one mutex guards all group-state and global-queue-state
// reads and writes. Container callbacks and closures always run outside
// that lock.
package groupqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/ipc"
	"github.com/basket/go-claw/internal/runtime"
)

const (
	// DefaultMaxRetries bounds message-lane retry attempts before a group's
	// retry count is reset and no further automatic retries occur.
	DefaultMaxRetries = 5
	// DefaultBaseRetryMs is the base of the exponential retry backoff.
	DefaultBaseRetryMs = 5000 * time.Millisecond
	// TaskCloseDelay is the fixed delay after a task lane's first result
	// before the core asks it to close its stdin. It is intentionally
	// shorter than IDLE_TIMEOUT, which belongs to the container runtime.
	TaskCloseDelay = 10 * time.Second
)

// MessageCallback is the message-lane processing function (Message Pipeline
// Adapter). It receives a group identifier and reports true on success,
// false on a transient failure that warrants retry.
type MessageCallback func(ctx context.Context, groupJid string) bool

// TaskClosure is a unit of task-lane work enqueued by the Task Scheduler.
// It receives a group identifier and reports true on success.
type TaskClosure func(ctx context.Context, groupJid string) bool

// FolderResolver maps a group identifier to its filesystem folder name, so
// the core can compute IPC drop-dir paths without waiting for a container
// handle to be registered.
type FolderResolver interface {
	Folder(groupJid string) (string, bool)
}

// FolderResolverFunc adapts a function to FolderResolver.
type FolderResolverFunc func(groupJid string) (string, bool)

func (f FolderResolverFunc) Folder(groupJid string) (string, bool) { return f(groupJid) }

type pendingTask struct {
	taskID  string
	closure TaskClosure
}

// groupState is the per-group dual-lane state machine described in §3 of
// the Group Execution Scheduler specification.
type groupState struct {
	groupJid string
	folder   string // default folder, resolved lazily at first reference

	// Message lane.
	activeMessage   bool
	idleWaiting     bool
	pendingMessages bool
	messageHandle   *runtime.Handle
	messageFolder   string // per-lane folder; falls back to folder when unset
	retryCount      int
	retryTimer      *time.Timer

	// Task lane.
	activeTask   bool
	pendingTasks []pendingTask
	taskHandle   *runtime.Handle
	taskFolder   string // per-lane folder; falls back to folder when unset
}

// folderFor returns the drop-dir folder for the given lane, preferring the
// lane-specific folder recorded at handle-registration time (so one lane's
// registration never clobbers the path the other lane is using) and falling
// back to the group's default resolved folder otherwise.
func (g *groupState) folderFor(lane runtime.Lane) string {
	switch lane {
	case runtime.LaneTask:
		if g.taskFolder != "" {
			return g.taskFolder
		}
	default:
		if g.messageFolder != "" {
			return g.messageFolder
		}
	}
	return g.folder
}

// Config controls the Group-Queue Core's concurrency cap and timing.
type Config struct {
	MaxConcurrentContainers int
	MaxRetries              int
	BaseRetryDelay          time.Duration
	TaskCloseDelay          time.Duration
	DataDir                 string
	Folders                 FolderResolver
	Bus                     *bus.Bus
	Logger                  *slog.Logger
}

// Core is the Group-Queue Core (component C).
type Core struct {
	cfg     Config
	logger  *slog.Logger
	folders FolderResolver

	mu            sync.Mutex
	groups        map[string]*groupState
	activeCount   int
	waitingGroups []string
	waitingSet    map[string]struct{}
	shuttingDown  bool

	processMessages MessageCallback
}

// New creates a Group-Queue Core with the given configuration.
func New(cfg Config) *Core {
	if cfg.MaxConcurrentContainers <= 0 {
		cfg.MaxConcurrentContainers = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = DefaultBaseRetryMs
	}
	if cfg.TaskCloseDelay <= 0 {
		cfg.TaskCloseDelay = TaskCloseDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	folders := cfg.Folders
	if folders == nil {
		folders = FolderResolverFunc(func(groupJid string) (string, bool) { return groupJid, true })
	}
	return &Core{
		cfg:        cfg,
		logger:     logger,
		folders:    folders,
		groups:     make(map[string]*groupState),
		waitingSet: make(map[string]struct{}),
	}
}

// SetProcessMessagesFn installs the message-lane callback (Message Pipeline
// Adapter). Must be called once, before traffic arrives.
func (c *Core) SetProcessMessagesFn(fn MessageCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processMessages = fn
}

// group returns (creating lazily if necessary) the state for a group.
// Must be called with c.mu held.
func (c *Core) group(groupJid string) *groupState {
	g, ok := c.groups[groupJid]
	if !ok {
		folder, _ := c.folders.Folder(groupJid)
		g = &groupState{groupJid: groupJid, folder: folder}
		c.groups[groupJid] = g
	}
	return g
}

func (c *Core) publish(topic string, payload map[string]any) {
	if c.cfg.Bus != nil {
		c.cfg.Bus.Publish(topic, payload)
	}
}

// writeClose signals a lane's container to drain and exit via the IPC close
// sentinel. Failures are logged and swallowed: the container will either
// pick up the next message or time out.
func (c *Core) writeClose(folder string) {
	if err := ipc.WriteClose(c.cfg.DataDir, folder); err != nil {
		c.logger.Debug("groupqueue: write close sentinel failed", "folder", folder, "error", err)
	}
}
