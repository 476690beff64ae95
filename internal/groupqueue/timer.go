package groupqueue

import "time"

func defaultScheduleRetry(delay time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(delay, fn)
}
