package model

import "time"

type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition can leave the state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Payload is what the worker needs to render and publish one document.
type Payload struct {
	URL      string          `json:"url"`
	FileName string          `json:"fileName"`
	Type     string          `json:"type,omitempty"`
	OwnerID  string          `json:"ownerId,omitempty"`
	Profile  string          `json:"profile,omitempty"`
	Options  map[string]bool `json:"options,omitempty"`
}

// Result is recorded on a job when it completes.
type Result struct {
	Status string `json:"status"`
	URL    string `json:"url"`
	Size   int    `json:"size"`
	Key    string `json:"key,omitempty"`
}

const ResultSuccess = "success"

// Retention says how long a job is kept after reaching a terminal state.
// Zero keeps it forever.
type Retention struct {
	Completed time.Duration `json:"completed"`
	Failed    time.Duration `json:"failed"`
}

type Job struct {
	ID          string     `json:"id"`
	Payload     Payload    `json:"payload"`
	State       State      `json:"state"`
	Progress    int        `json:"progress"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	Backoff     Backoff    `json:"backoff"`
	Retention   Retention  `json:"retention"`
	LastError   string     `json:"failedReason,omitempty"`
	Result      *Result    `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	AvailableAt time.Time  `json:"availableAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`

	// LeaseToken identifies the execution that currently owns an active job.
	LeaseToken string    `json:"-"`
	LeaseUntil time.Time `json:"-"`
}
