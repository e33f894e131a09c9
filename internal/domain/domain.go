package domain

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

type DecisionState string

const (
	DecisionPending  DecisionState = "pending"
	DecisionApproved DecisionState = "approved"
	DecisionRejected DecisionState = "rejected"
	DecisionExpired  DecisionState = "expired"
)

// Terminal reports whether the decision can no longer change.
func (s DecisionState) Terminal() bool { return s != DecisionPending }

func (s DecisionState) Valid() bool {
	switch s {
	case DecisionPending, DecisionApproved, DecisionRejected, DecisionExpired:
		return true
	}
	return false
}

type RunState string

const (
	RunQueued    RunState = "queued"
	RunRunning   RunState = "running"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

func (s RunState) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

func (s RunState) Valid() bool {
	switch s {
	case RunQueued, RunRunning, RunSucceeded, RunFailed, RunCancelled:
		return true
	}
	return false
}

// ExitReason explains why a run reached a terminal state.
type ExitReason string

const (
	ExitNone           ExitReason = ""
	ExitOK             ExitReason = "ok"
	ExitTimeout        ExitReason = "timeout"
	ExitGeneratorError ExitReason = "generator_error"
	ExitEmptyOutput    ExitReason = "empty_output"
	ExitPublishError   ExitReason = "publish_error"
	ExitSetupError     ExitReason = "setup_error"
	ExitShutdown       ExitReason = "shutdown"
	ExitInterrupted    ExitReason = "interrupted"
)

// Extracted is the heuristic classification of a request body.
type Extracted struct {
	SystemKind   string   `json:"system_kind"`
	Technologies []string `json:"technologies"`
	Effort       string   `json:"effort"`
}

type Request struct {
	ID           int64     `json:"request_id" db:"id"`
	SourceRef    string    `json:"source_ref" db:"source_ref"`
	Title        string    `json:"title" db:"title"`
	Body         string    `json:"body" db:"body"`
	Requester    string    `json:"requester" db:"requester"`
	Priority     Priority  `json:"priority" db:"priority"`
	Extracted    Extracted `json:"extracted" db:"-"`
	DiscoveredAt string    `json:"discovered_at" format:"date-time" db:"discovered_at"`
}

// NewRequest carries the fields captured at discovery.
type NewRequest struct {
	SourceRef string
	Title     string
	Body      string
	Requester string
	Priority  Priority
	Extracted Extracted
}

type Decision struct {
	RequestID int64         `json:"request_id" db:"request_id"`
	State     DecisionState `json:"state" db:"state"`
	Reviewer  *string       `json:"reviewer,omitempty" db:"reviewer"`
	DecidedAt *string       `json:"decided_at,omitempty" format:"date-time" db:"decided_at"`
	Notes     string        `json:"notes,omitempty" db:"notes"`
	// Attempts is the number of runs the reviewer has authorised so far.
	Attempts int `json:"authorized_attempts" db:"authorized_attempts"`
}

type Run struct {
	ID         int64      `json:"run_id" db:"id"`
	RequestID  int64      `json:"request_id" db:"request_id"`
	Attempt    int        `json:"attempt" db:"attempt"`
	State      RunState   `json:"state" db:"state"`
	StartedAt  *string    `json:"started_at,omitempty" format:"date-time" db:"started_at"`
	EndedAt    *string    `json:"ended_at,omitempty" format:"date-time" db:"ended_at"`
	Workdir    *string    `json:"workdir,omitempty" db:"workdir"`
	ExitReason ExitReason `json:"exit_reason,omitempty" db:"exit_reason"`
	CreatedAt  string     `json:"created_at" format:"date-time" db:"created_at"`
}

type Artifact struct {
	ID            int64  `json:"artifact_id" db:"id"`
	RunID         int64  `json:"run_id" db:"run_id"`
	RemoteRepoURL string `json:"remote_repo_url" db:"remote_repo_url"`
	CommitRef     string `json:"commit_ref" db:"commit_ref"`
	PublishedAt   string `json:"published_at" format:"date-time" db:"published_at"`
}

type AuditEntry struct {
	ID        int64  `json:"id" db:"id"`
	TS        string `json:"ts" format:"date-time" db:"ts"`
	Kind      string `json:"kind" db:"kind"`
	SubjectID int64  `json:"subject_id" db:"subject_id"`
	Message   string `json:"message" db:"message"`
}

// RequestSummary is the reviewer-facing view of a request and its decision.
type RequestSummary struct {
	ID           int64         `json:"request_id" db:"id"`
	SourceRef    string        `json:"source_ref" db:"source_ref"`
	Title        string        `json:"title" db:"title"`
	Requester    string        `json:"requester" db:"requester"`
	Priority     Priority      `json:"priority" db:"priority"`
	SystemKind   string        `json:"system_kind" db:"system_kind"`
	Effort       string        `json:"effort" db:"effort"`
	Decision     DecisionState `json:"decision" db:"decision"`
	DiscoveredAt string        `json:"discovered_at" format:"date-time" db:"discovered_at"`
}
