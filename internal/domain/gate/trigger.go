package gate

import "time"

// TriggerAttempt records one coordinator step against a single target.
type TriggerAttempt struct {
	Target        Target
	Adapter       string
	StartTime     time.Time
	TimeoutBudget time.Duration
	Elapsed       time.Duration
	// Committed is set once the relay reported activation; the coordinator
	// never fails over past a committed attempt.
	Committed bool
	Outcome   error
}

// Succeeded reports whether the attempt completed the trigger.
func (a TriggerAttempt) Succeeded() bool { return a.Outcome == nil }

// TriggerResult is the coordinator's report for one trigger request.
type TriggerResult struct {
	Success  bool
	Winner   Target
	Elapsed  time.Duration
	Attempts []TriggerAttempt
	// RelayFeedback reports whether any relay signal was observed.
	RelayFeedback bool
}
