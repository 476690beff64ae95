// Package scheduler implements the Task Scheduler: a polling loop that
// finds scheduled_tasks rows whose next_run has arrived and hands each one
// to the Group-Queue Core's task lane. It supersedes internal/cron's
// session-schedule model with the group-folder-scoped one this system
// needs, while keeping the same robfig/cron-based polling idiom.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-claw/internal/groupqueue"
	"github.com/basket/go-claw/internal/ipc"
	"github.com/basket/go-claw/internal/persistence"
	"github.com/basket/go-claw/internal/runtime"
)

// ChatTransport is the outbound side of a chat channel. It mirrors
// pipeline.ChatTransport's shape exactly so a single channel implementation
// (e.g. TelegramChannel) satisfies both without the two packages importing
// each other.
type ChatTransport interface {
	SendMessage(chatJid, text, replyToMessageID string) error
}

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow), matching internal/cron's parser configuration.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

const (
	defaultPollInterval = 30 * time.Second
	defaultCloseDelay   = 10 * time.Second
)

// Config holds the Task Scheduler's dependencies.
type Config struct {
	Store         *persistence.Store
	Core          *groupqueue.Core
	Runtime       runtime.Runtime
	ChatTransport ChatTransport // delivers a task's textual result to chat_jid + extra_chat_jids
	Logger        *slog.Logger
	PollInterval  time.Duration
	CloseDelay    time.Duration
	Location      *time.Location // cron evaluation timezone; defaults to UTC
	DataDir       string
}

// Scheduler is the Task Scheduler (component E).
type Scheduler struct {
	cfg      Config
	logger   *slog.Logger
	location *time.Location

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	drainCh chan struct{}
}

// New creates a Task Scheduler with the given configuration.
func New(cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.CloseDelay <= 0 {
		cfg.CloseDelay = defaultCloseDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		cfg:      cfg,
		logger:   logger,
		location: loc,
		drainCh:  make(chan struct{}, 1),
	}
}

// Start recovers any stuck tasks left over from a prior crash, then begins
// the poll loop in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	if n, err := s.cfg.Store.RecoverStuckScheduledTasks(context.Background(), time.Now()); err != nil {
		return fmt.Errorf("recover stuck scheduled tasks: %w", err)
	} else if n > 0 {
		s.logger.Warn("scheduler: recovered stuck tasks from prior run", "count", n)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(runCtx)
	s.logger.Info("scheduler: started", "poll_interval", s.cfg.PollInterval)
	return nil
}

// Stop cancels the poll loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler: stopped")
}

// TriggerDrain requests an immediate tick instead of waiting for the next
// poll interval, e.g. right after a new scheduled task is created.
func (s *Scheduler) TriggerDrain() {
	select {
	case s.drainCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		case <-s.drainCh:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.cfg.Store.GetDueScheduledTasks(ctx, now)
	if err != nil {
		s.logger.Error("scheduler: query due tasks failed", "error", err)
		return
	}
	for _, t := range due {
		s.fire(ctx, t, now)
	}
}

// fire validates the task's folder, advances next_run before invoking the
// container (so a crash mid-run can never repeat the same fire forever),
// clears stale reply-context state, then hands the run to the Group-Queue
// Core's task lane.
func (s *Scheduler) fire(ctx context.Context, t persistence.ScheduledTask, now time.Time) {
	if !validFolder(t.GroupFolder) {
		s.logger.Error("scheduler: rejecting task with unsafe group folder", "task_id", t.ID, "folder", t.GroupFolder)
		if err := s.cfg.Store.UpdateScheduledTaskStatus(ctx, t.ID, "paused"); err != nil {
			s.logger.Error("scheduler: failed to pause unsafe task", "task_id", t.ID, "error", err)
		}
		if err := s.cfg.Store.LogTaskRun(ctx, persistence.TaskRunLogEntry{
			TaskID: t.ID, RunAt: now, Status: "error", Error: "invalid group folder",
		}); err != nil {
			s.logger.Error("scheduler: log task run failed", "task_id", t.ID, "error", err)
		}
		return
	}

	nextRun, err := s.computeNextRun(t, now)
	if err != nil {
		s.logger.Error("scheduler: compute next run failed", "task_id", t.ID, "schedule_type", t.ScheduleType, "error", err)
		return
	}
	if err := s.cfg.Store.UpdateScheduledTaskNextRun(ctx, t.ID, nextRun); err != nil {
		s.logger.Error("scheduler: advance next_run failed", "task_id", t.ID, "error", err)
		return
	}

	if err := ipc.ClearReplyContext(s.cfg.DataDir, t.GroupFolder); err != nil {
		s.logger.Debug("scheduler: clear reply context failed", "task_id", t.ID, "error", err)
	}

	s.cfg.Core.EnqueueTask(t.GroupJid, t.ID, func(ctx context.Context, groupJid string) bool {
		return s.run(ctx, t, now)
	})
}

// run executes one task invocation: it checks the group is still registered,
// writes the peer-introspection snapshots, spawns the container (passing the
// group's current session id in "group" context mode), delivers textual
// results to chat_jid and every extra_chat_jids subscriber, arms a CloseDelay
// timer once the lane goes quiet, and records the outcome.
func (s *Scheduler) run(ctx context.Context, t persistence.ScheduledTask, startedAt time.Time) bool {
	group, err := s.cfg.Store.GetGroup(ctx, t.GroupJid)
	if err != nil {
		s.logger.Error("scheduler: look up group failed", "task_id", t.ID, "group_jid", t.GroupJid, "error", err)
	}
	if group == nil {
		s.logger.Error("scheduler: group not registered", "task_id", t.ID, "group_jid", t.GroupJid)
		if logErr := s.cfg.Store.LogTaskRun(ctx, persistence.TaskRunLogEntry{
			TaskID: t.ID, RunAt: startedAt, DurationMs: time.Since(startedAt).Milliseconds(),
			Status: "error", Error: "group not registered",
		}); logErr != nil {
			s.logger.Error("scheduler: log task run failed", "task_id", t.ID, "error", logErr)
		}
		return false
	}

	s.writeSnapshots(ctx, t, group.IsMain)

	input := runtime.Input{
		Prompt:          t.Prompt,
		GroupFolder:     t.GroupFolder,
		ChatJid:         t.ChatJid,
		IsMain:          group.IsMain,
		IsScheduledTask: true,
		AssistantName:   group.AgentID,
	}
	if t.ContextMode == "group" {
		input.SessionID = group.SessionID
	}

	var lastResult string
	var failed bool
	closeTimer := time.AfterFunc(s.cfg.CloseDelay, func() { s.cfg.Core.CloseTaskStdin(t.GroupJid) })
	defer closeTimer.Stop()

	result, err := s.cfg.Runtime.RunContainerAgent(ctx, t.GroupJid, runtime.LaneTask, input,
		func(h *runtime.Handle) { s.cfg.Core.RegisterHandle(h) },
		func(ev runtime.OutputEvent) {
			switch ev.Kind {
			case runtime.OutputSuccess:
				lastResult = ev.Result
				closeTimer.Reset(s.cfg.CloseDelay)
				s.deliver(t, ev.Result)
				s.cfg.Core.NotifyTaskIdle(t.GroupJid)
			case runtime.OutputError:
				failed = true
				s.logger.Error("scheduler: task container reported error", "task_id", t.ID, "error", ev.Error)
			}
		})

	duration := time.Since(startedAt)
	status := "success"
	errMsg := ""
	if err != nil || failed || result.Status != "success" {
		status = "error"
		if err != nil {
			errMsg = err.Error()
		} else {
			errMsg = result.Error
		}
	}

	if logErr := s.cfg.Store.LogTaskRun(ctx, persistence.TaskRunLogEntry{
		TaskID:     t.ID,
		RunAt:      startedAt,
		DurationMs: duration.Milliseconds(),
		Status:     status,
		Result:     lastResult,
		Error:      errMsg,
	}); logErr != nil {
		s.logger.Error("scheduler: log task run failed", "task_id", t.ID, "error", logErr)
	}

	finalNextRun := s.finalNextRun(t)
	if updErr := s.cfg.Store.UpdateTaskAfterRun(ctx, t.ID, time.Now(), lastResult, finalNextRun); updErr != nil {
		s.logger.Error("scheduler: update task after run failed", "task_id", t.ID, "error", updErr)
	}

	return status == "success"
}

// deliver relays a task's textual result to chat_jid and every subscriber in
// extra_chat_jids. A send failure on either is logged and swallowed (the
// run itself is not marked as failed) per the error table's "Chat send
// failure (primary/extra)" rows.
func (s *Scheduler) deliver(t persistence.ScheduledTask, text string) {
	if s.cfg.ChatTransport == nil || text == "" {
		return
	}
	if err := s.cfg.ChatTransport.SendMessage(t.ChatJid, text, ""); err != nil {
		s.logger.Error("scheduler: chat send failed for primary target", "task_id", t.ID, "chat_jid", t.ChatJid, "error", err)
	}
	for _, extra := range parseExtraChatJids(t.ExtraChatJids) {
		if err := s.cfg.ChatTransport.SendMessage(extra, text, ""); err != nil {
			s.logger.Error("scheduler: chat send failed for extra subscriber", "task_id", t.ID, "chat_jid", extra, "error", err)
			continue
		}
	}
}

// parseExtraChatJids decodes the extra_chat_jids column, a JSON array of
// group identifiers. Malformed or empty values are treated as no extras.
func parseExtraChatJids(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var jids []string
	if err := json.Unmarshal([]byte(raw), &jids); err != nil {
		return nil
	}
	return jids
}

// writeSnapshots writes the tasks snapshot and queue-status snapshot into the
// group's IPC area before the container is spawned, so it can introspect
// peer scheduled work. Failures are logged and swallowed, matching the IPC
// write-failure policy elsewhere in the core.
func (s *Scheduler) writeSnapshots(ctx context.Context, t persistence.ScheduledTask, isMain bool) {
	tasks, err := s.cfg.Store.GetAllScheduledTasks(ctx, t.GroupFolder)
	if err != nil {
		s.logger.Debug("scheduler: load tasks snapshot failed", "task_id", t.ID, "error", err)
	} else {
		snap := make([]runtime.TaskSnapshot, 0, len(tasks))
		for _, task := range tasks {
			ts := runtime.TaskSnapshot{
				ID:            task.ID,
				Prompt:        task.Prompt,
				ScheduleType:  task.ScheduleType,
				ScheduleValue: task.ScheduleValue,
			}
			if task.NextRun != nil {
				ts.NextRun = task.NextRun.Format(time.RFC3339)
			}
			snap = append(snap, ts)
		}
		if err := s.cfg.Runtime.WriteTasksSnapshot(t.GroupFolder, isMain, snap); err != nil {
			s.logger.Debug("scheduler: write tasks snapshot failed", "task_id", t.ID, "error", err)
		}
	}

	_, _, groups := s.cfg.Core.GetStatus()
	entries := make([]runtime.QueueStatusEntry, 0, len(groups))
	names := make([]string, 0, len(groups))
	for _, g := range groups {
		entries = append(entries, runtime.QueueStatusEntry{
			GroupJid:      g.GroupJid,
			ActiveMessage: g.ActiveMessage,
			ActiveTask:    g.ActiveTask,
			PendingTasks:  g.PendingTasks,
		})
		names = append(names, g.GroupJid)
	}
	if err := s.cfg.Runtime.WriteQueueStatusSnapshot(t.GroupFolder, isMain, entries, names); err != nil {
		s.logger.Debug("scheduler: write queue status snapshot failed", "task_id", t.ID, "error", err)
	}
}

// finalNextRun returns the post-run next_run for "once" schedules: they
// never fire again (the sentinel sorts past any real due-query comparison).
// Cron and interval schedules already had their real next_run written by
// computeNextRun before the run started.
func (s *Scheduler) finalNextRun(t persistence.ScheduledTask) *time.Time {
	if t.ScheduleType != "once" {
		return t.NextRun
	}
	sentinel, err := time.Parse(time.RFC3339, persistence.NeverAgainSentinel)
	if err != nil {
		return nil
	}
	return &sentinel
}

// computeNextRun advances the next fire time for a schedule, evaluated
// BEFORE the container runs.
func (s *Scheduler) computeNextRun(t persistence.ScheduledTask, now time.Time) (*time.Time, error) {
	switch t.ScheduleType {
	case "cron":
		sched, err := cronParser.Parse(t.ScheduleValue)
		if err != nil {
			return nil, fmt.Errorf("parse cron expression %q: %w", t.ScheduleValue, err)
		}
		next := sched.Next(now.In(s.location))
		return &next, nil
	case "interval":
		ms, err := strconv.ParseInt(t.ScheduleValue, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse interval_ms %q: %w", t.ScheduleValue, err)
		}
		next := now.Add(time.Duration(ms) * time.Millisecond)
		return &next, nil
	case "once":
		sentinel, err := time.Parse(time.RFC3339, persistence.NeverAgainSentinel)
		if err != nil {
			return nil, fmt.Errorf("parse once sentinel: %w", err)
		}
		return &sentinel, nil
	default:
		return nil, fmt.Errorf("unknown schedule_type %q", t.ScheduleType)
	}
}

// validFolder rejects group folders that could escape the data directory
// via a path traversal segment.
func validFolder(folder string) bool {
	if folder == "" {
		return false
	}
	if strings.Contains(folder, "..") {
		return false
	}
	return filepath.Clean(folder) == folder
}
