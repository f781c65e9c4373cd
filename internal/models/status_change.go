package models

import (
	"time"
)

// JobStatusChange is one append-only row of the status history.
type JobStatusChange struct {
	ID           int64     `json:"id,omitempty"`
	JobID        int64     `json:"job_id"`
	Status       Status    `json:"job_status"`
	Time         time.Time `json:"time"`
	ErrorSubtype *string   `json:"error_subtype"`
	ErrorMessage *string   `json:"error_message"`
}

// History is a job's status history ordered by row id.
type History []JobStatusChange

// Last returns the newest row.
func (h History) Last() (JobStatusChange, bool) {
	if len(h) == 0 {
		return JobStatusChange{}, false
	}
	return h[len(h)-1], true
}

// TrailingPublicationFailures counts the done -> external_error pairs at the
// end of the history, skipping the error_checked rows that separate them.
func (h History) TrailingPublicationFailures() int {
	failures := 0
	i := len(h) - 1
	for i >= 1 {
		switch {
		case h[i].Status == StatusErrorChecked:
			i--
		case h[i].Status == StatusDone:
			i--
		case h[i].Status == StatusExternalError && h[i-1].Status == StatusDone:
			failures++
			i -= 2
		default:
			return failures
		}
	}
	return failures
}
