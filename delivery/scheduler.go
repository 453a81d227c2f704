package delivery

import "time"

// DefaultRetrySchedule is the backoff table, indexed by the attempt that just failed.
var DefaultRetrySchedule = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
}

// Scheduler computes when a failed delivery is attempted again.
type Scheduler struct {
	schedule []time.Duration
}

// NewScheduler creates a scheduler with the given backoff table. An empty
// table falls back to DefaultRetrySchedule.
func NewScheduler(schedule []time.Duration) *Scheduler {
	if len(schedule) == 0 {
		schedule = DefaultRetrySchedule
	}
	return &Scheduler{schedule: schedule}
}

// Backoff returns the delay after the given 1-based attempt fails. Attempts
// past the end of the table reuse its last entry.
func (s *Scheduler) Backoff(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s.schedule) {
		idx = len(s.schedule) - 1
	}
	return s.schedule[idx]
}

// ScheduleRetry moves d to retrying, sets NextRetryAt from the attempt that
// just failed, and advances AttemptNumber. Callers check d.CanRetry first.
func (s *Scheduler) ScheduleRetry(d *Delivery, now time.Time) {
	next := now.Add(s.Backoff(d.AttemptNumber)).UTC()
	d.Status = StatusRetrying
	d.NextRetryAt = &next
	d.AttemptNumber++
}

// CanRetry reports whether d has attempts left.
func (d *Delivery) CanRetry() bool {
	return d.AttemptNumber < d.MaxAttempts
}
