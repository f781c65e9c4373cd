package models

import (
	"time"
)

// SystemParameters is the single process-wide tunables row.
type SystemParameters struct {
	ID int64 `json:"id,omitempty"`

	MaxNumberOfWorkerInstances        int     `json:"max_number_of_worker_instances"`
	MaxNumberOfVcpus                  int     `json:"max_number_of_vcpus"`
	MaxRatioOfVcpusToBeUsed           float64 `json:"max_ratio_of_vcpus_to_be_used"`
	MaxMinutesWorkerWithoutAllocation int     `json:"max_minutes_worker_without_allocation"`

	JobTypes                      DelimitedList                  `json:"job_types"`
	DefaultBackwardSearchWindow   JSONText[map[string]int]       `json:"default_backward_search_window_days"`
	OperationalStartDate          JSONText[map[string]time.Time] `json:"operational_start_date"`
	LoopSleepSeconds              JSONText[map[string]int]       `json:"loop_sleep_seconds"`
	DiasParallelRequests          int                            `json:"dias_parallel_requests"`
	InternalDatabaseParallelCalls int                            `json:"internal_database_parallel_requests"`

	MajaConsecutiveJobsThresholdValue int  `json:"maja_consecutive_jobs_threshold_value"`
	MajaBackwardRequiredJobNumber     int  `json:"maja_backward_required_job_number"`
	ActivateBackwardReprocessing      bool `json:"activate_backward_reprocessing"`

	ProductPublicationEndpoint string `json:"product_publication_endpoint"`

	Rlies1s2MinSearchWindowDays int `json:"rlies1s2_min_search_window_days"`
	Rlies1s2MaxSearchWindowDays int `json:"rlies1s2_max_search_window_days"`
	Rlies1s2MaxDelayWaitHours   int `json:"rlies1s2_max_delay_from_end_of_day_hours_wait_for_rlie_products"`

	GfscAggregationTimespan        int        `json:"gfsc_aggregation_timespan"`
	GfscDailyJobsCreationStartDate *time.Time `json:"gfsc_daily_jobs_creation_start_date"`
}

// Defaults used when the row leaves a tunable unset.
const (
	DefaultConsecutiveJobsThresholdDays = 60
	DefaultBackwardRequiredJobNumber    = 8
	DefaultBackwardSearchWindowDays     = 7
	DefaultGfscAggregationTimespan      = 7
	DefaultRlies1s2MinSearchWindowDays  = 1
	DefaultRlies1s2MaxSearchWindowDays  = 7
	DefaultRlies1s2MaxDelayWaitHours    = 6
	DefaultMaxMinutesWithoutAllocation  = 15
)

// ConsecutiveJobsThreshold returns the nominal-mode gap.
func (p *SystemParameters) ConsecutiveJobsThreshold() time.Duration {
	days := p.MajaConsecutiveJobsThresholdValue
	if days <= 0 {
		days = DefaultConsecutiveJobsThresholdDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// BackwardRequiredJobNumber returns N, the size of a backward chain
// including its init job.
func (p *SystemParameters) BackwardRequiredJobNumber() int {
	if p.MajaBackwardRequiredJobNumber <= 1 {
		return DefaultBackwardRequiredJobNumber
	}
	return p.MajaBackwardRequiredJobNumber
}

// BackwardFollowUpCount is the number of jobs reprocessed after the init job
// of a backward chain.
func (p *SystemParameters) BackwardFollowUpCount() int {
	return p.BackwardRequiredJobNumber() - 1
}

// BackwardSearchWindow returns the default creation window for an input type.
func (p *SystemParameters) BackwardSearchWindow(inputType string) time.Duration {
	days := DefaultBackwardSearchWindowDays
	if p.DefaultBackwardSearchWindow.Valid {
		if d, ok := p.DefaultBackwardSearchWindow.Value[inputType]; ok && d > 0 {
			days = d
		}
	}
	return time.Duration(days) * 24 * time.Hour
}

// OperationalStart returns the date before which inputs of a type are
// reprocessing material.
func (p *SystemParameters) OperationalStart(inputType string) (time.Time, bool) {
	if !p.OperationalStartDate.Valid {
		return time.Time{}, false
	}
	t, ok := p.OperationalStartDate.Value[inputType]
	return t, ok
}

// LoopSleep returns the sleep override of a service, zero when unset.
func (p *SystemParameters) LoopSleep(service string) time.Duration {
	if !p.LoopSleepSeconds.Valid {
		return 0
	}
	return time.Duration(p.LoopSleepSeconds.Value[service]) * time.Second
}

// JobTypeActive reports whether t is in the allow-list. An empty list
// enables every type.
func (p *SystemParameters) JobTypeActive(t JobType) bool {
	if len(p.JobTypes) == 0 {
		return true
	}
	return p.JobTypes.Contains(string(t))
}

// ActiveJobTypes filters candidates against the allow-list.
func (p *SystemParameters) ActiveJobTypes(candidates []JobType) []JobType {
	var active []JobType
	for _, t := range candidates {
		if p.JobTypeActive(t) {
			active = append(active, t)
		}
	}
	return active
}

// GfscAggregationDays returns the GFSC window length in days.
func (p *SystemParameters) GfscAggregationDays() int {
	if p.GfscAggregationTimespan <= 0 {
		return DefaultGfscAggregationTimespan
	}
	return p.GfscAggregationTimespan
}

// FusionSearchWindow returns the day offsets walked by fusion pairing.
func (p *SystemParameters) FusionSearchWindow() (minDays, maxDays int) {
	minDays, maxDays = p.Rlies1s2MinSearchWindowDays, p.Rlies1s2MaxSearchWindowDays
	if minDays <= 0 {
		minDays = DefaultRlies1s2MinSearchWindowDays
	}
	if maxDays < minDays {
		maxDays = DefaultRlies1s2MaxSearchWindowDays
	}
	if maxDays < minDays {
		maxDays = minDays
	}
	return minDays, maxDays
}

// FusionMaxWait returns how long after the end of a day pending radar jobs
// hold back fusion pairing.
func (p *SystemParameters) FusionMaxWait() time.Duration {
	hours := p.Rlies1s2MaxDelayWaitHours
	if hours <= 0 {
		hours = DefaultRlies1s2MaxDelayWaitHours
	}
	return time.Duration(hours) * time.Hour
}

// MaxMinutesWithoutAllocation returns the stale-worker threshold.
func (p *SystemParameters) MaxMinutesWithoutAllocation() time.Duration {
	minutes := p.MaxMinutesWorkerWithoutAllocation
	if minutes <= 0 {
		minutes = DefaultMaxMinutesWithoutAllocation
	}
	return time.Duration(minutes) * time.Minute
}
