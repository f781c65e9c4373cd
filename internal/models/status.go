package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the closed, ordered job lifecycle. Values are the identifiers
// stored in parent_jobs.last_status_id.
type Status int

const (
	StatusInitialized Status = iota + 1
	StatusConfigured
	StatusReady
	StatusQueued
	StatusStarted
	StatusPreProcessing
	StatusProcessing
	StatusPostProcessing
	StatusProcessed
	StatusStartPublication
	StatusPublished
	StatusDone
	StatusInternalError
	StatusExternalError
	StatusErrorChecked
	StatusCancelled
)

var statusNames = map[Status]string{
	StatusInitialized:      "initialized",
	StatusConfigured:       "configured",
	StatusReady:            "ready",
	StatusQueued:           "queued",
	StatusStarted:          "started",
	StatusPreProcessing:    "pre_processing",
	StatusProcessing:       "processing",
	StatusPostProcessing:   "post_processing",
	StatusProcessed:        "processed",
	StatusStartPublication: "start_publication",
	StatusPublished:        "published",
	StatusDone:             "done",
	StatusInternalError:    "internal_error",
	StatusExternalError:    "external_error",
	StatusErrorChecked:     "error_checked",
	StatusCancelled:        "cancelled",
}

// WorkerOwnedStatuses are the statuses during which a job is expected to have
// a live allocation in the batch scheduler.
var WorkerOwnedStatuses = []Status{
	StatusQueued,
	StatusStarted,
	StatusPreProcessing,
	StatusProcessing,
	StatusPostProcessing,
}

// Valid reports whether s is one of the sixteen known statuses.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// IsError reports whether s is one of the two error branches.
func (s Status) IsError() bool {
	return s == StatusInternalError || s == StatusExternalError
}

// ParseStatus maps a stored status name back to its value.
func ParseStatus(name string) (Status, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for status, statusName := range statusNames {
		if statusName == name {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown job status %q", name)
}

// MarshalText stores statuses by lower-cased name.
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid status %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText accepts either the status name or its numeric identifier.
func (s *Status) UnmarshalText(text []byte) error {
	var id int
	if _, err := fmt.Sscanf(string(text), "%d", &id); err == nil && Status(id).Valid() {
		*s = Status(id)
		return nil
	}
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// UnmarshalJSON lets a numeric status id decode as well as a quoted name.
func (s *Status) UnmarshalJSON(data []byte) error {
	var id int
	if err := json.Unmarshal(data, &id); err == nil {
		if !Status(id).Valid() {
			return fmt.Errorf("unknown job status id %d", id)
		}
		*s = Status(id)
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	return s.UnmarshalText([]byte(name))
}

var forwardTransitions = map[Status][]Status{
	StatusInitialized:      {StatusConfigured, StatusReady, StatusCancelled},
	StatusConfigured:       {StatusReady, StatusCancelled},
	StatusReady:            {StatusQueued, StatusCancelled},
	StatusQueued:           {StatusStarted, StatusCancelled},
	StatusStarted:          {StatusPreProcessing},
	StatusPreProcessing:    {StatusProcessing},
	StatusProcessing:       {StatusPostProcessing},
	StatusPostProcessing:   {StatusProcessed},
	StatusProcessed:        {StatusStartPublication, StatusDone},
	StatusStartPublication: {StatusPublished},
	StatusPublished:        {StatusDone},
	StatusInternalError:    {StatusErrorChecked},
	StatusExternalError:    {StatusErrorChecked},
	StatusErrorChecked: {
		StatusInitialized,
		StatusConfigured,
		StatusReady,
		StatusProcessed,
		StatusDone,
		StatusCancelled,
	},
}

// CanTransition reports whether a job in status from may move to status to.
// A zero from means the job has no history yet, in which case only
// initialized is accepted.
func CanTransition(from, to Status) bool {
	if !to.Valid() {
		return false
	}
	if from == 0 {
		return to == StatusInitialized
	}
	if from == StatusCancelled {
		return false
	}
	if to == StatusInternalError || to == StatusExternalError {
		return !from.IsError()
	}
	for _, next := range forwardTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
