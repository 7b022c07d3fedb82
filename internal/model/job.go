package model

import (
	"time"
)

// Status is the lifecycle state of a supervised job.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusDone     Status = "done"
	StatusError    Status = "error"
	StatusTimeout  Status = "timeout"
)

// transitions describes the only legal status moves. Anything not listed is
// rejected by the registry, which keeps job statuses monotonic.
var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning: true,
		StatusError:   true, // spawn failure
	},
	StatusRunning: {
		StatusStopping: true,
		StatusDone:     true,
		StatusError:    true,
		StatusTimeout:  true,
	},
	StatusStopping: {
		StatusDone:    true,
		StatusError:   true,
		StatusTimeout: true,
	},
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusError, StatusTimeout:
		return true
	}
	return false
}

// CanTransition reports whether the move s -> to is legal.
func (s Status) CanTransition(to Status) bool {
	if s == to {
		return true
	}
	return transitions[s][to]
}

// Failure reasons recorded at terminal reconciliation.
const (
	ReasonIdleTimeout     = "idle_timeout"
	ReasonMaxTimeExceeded = "max_time_exceeded"
	ReasonBotFailed       = "bot_failed"
	ReasonNoUUID          = "completed_without_uuid"
	ReasonSpawnFailed     = "spawn_failed"
)

// Submission is the caller-supplied part of a job. Immutable after creation.
type Submission struct {
	MeetingURL string            `json:"meeting_url"`
	BotName    string            `json:"bot_name,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Job is the unit of supervised work. The registry hands out copies; the
// process handle itself is owned by the supervisor and never appears here.
type Job struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  time.Time  `json:"started_at,omitzero"`
	UpdatedAt  time.Time  `json:"updated_at"`
	Submission Submission `json:"submission"`

	// Discovered from worker output. First writer wins, never overwritten.
	BotUUID       string `json:"bot_uuid,omitempty"`
	ContainerName string `json:"container_name,omitempty"`

	// HostMapping is the dynamically discovered network endpoint of the
	// workload (host:port), filled lazily by the stop cascade.
	HostMapping string `json:"host_mapping,omitempty"`

	// Terminal reconciliation data, set exactly once.
	ExitCode *int   `json:"exit_code,omitempty"`
	Signal   string `json:"signal,omitempty"`
	Reason   string `json:"reason,omitempty"`
}
