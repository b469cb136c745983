// Package backoff holds the collection retry schedule shared by the state
// machine (first attempt) and the retry scheduler (later attempts).
package backoff

import "time"

// Schedule lists the delay before each automatic attempt: Schedule[0]
// precedes attempt 1, Schedule[1] attempt 2, and so on. Its length is the
// retry budget.
type Schedule []time.Duration

// Default is 1h, 6h, 24h.
func Default() Schedule {
	return Schedule{time.Hour, 6 * time.Hour, 24 * time.Hour}
}

// MaxAttempts is the number of automatic attempts the schedule allows.
func (s Schedule) MaxAttempts() int { return len(s) }

// Initial returns when the first attempt for a failure observed at from is due.
func (s Schedule) Initial(from time.Time) *time.Time {
	return s.Next(0, from)
}

// Next returns when the attempt following retryCount failed attempts is due,
// or nil when the budget is spent.
func (s Schedule) Next(retryCount int, from time.Time) *time.Time {
	if retryCount < 0 || retryCount >= len(s) {
		return nil
	}
	t := from.Add(s[retryCount])
	return &t
}
