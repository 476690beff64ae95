package groupqueue

// Event bus topics published by the Group-Queue Core. Subscribers (the TUI
// status pane, telemetry) match on topic prefix.
const (
	topicMessageLaneCompleted = "groupqueue.message.completed"
	topicTaskLaneCompleted    = "groupqueue.task.completed"
	topicShutdown             = "groupqueue.shutdown"
)

// scheduleRetry is a thin wrapper around time.AfterFunc, split out so tests
// can observe retry scheduling without waiting on a real timer if needed.
var scheduleRetry = defaultScheduleRetry
