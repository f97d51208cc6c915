package models

import "time"

// SessionStatus represents the current state of a debug session
type SessionStatus string

const (
	StatusSetupInProgress SessionStatus = "setup_in_progress"
	StatusReady           SessionStatus = "ready"
	StatusExecuting       SessionStatus = "executing"
	StatusCompleted       SessionStatus = "completed"
	StatusFailed          SessionStatus = "failed"
	StatusCancelled       SessionStatus = "cancelled"
)

// Terminal reports whether no further transitions are accepted
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// DebugMode selects how a session reaches the state under debug
type DebugMode string

const (
	ModeAuto   DebugMode = "auto"
	ModeManual DebugMode = "manual"
)

// Valid reports whether m is a known mode
func (m DebugMode) Valid() bool {
	return m == ModeAuto || m == ModeManual
}

// DebugSession is a point-in-time snapshot of a debug session
type DebugSession struct {
	SessionID         string        `json:"session_id"`
	ExecutionID       int64         `json:"execution_id"`
	TestID            string        `json:"test_id,omitempty"`
	TargetStepNumber  int           `json:"target_step_number"`
	EndStepNumber     *int          `json:"end_step_number,omitempty"`
	CurrentStepNumber int           `json:"current_step_number"`
	Mode              DebugMode     `json:"mode"`
	Status            SessionStatus `json:"status"`
	IterationsCount   int           `json:"iterations_count"`
	TokensUsed        int64         `json:"tokens_used"`
	SetupCompleted    bool          `json:"setup_completed"`
	Continuous        bool          `json:"continuous"`
	RangeComplete     bool          `json:"range_complete"`
	StartedAt         time.Time     `json:"started_at"`
	LastActivityAt    time.Time     `json:"last_activity_at"`
	FinishedAt        *time.Time    `json:"finished_at,omitempty"`
	Error             string        `json:"error,omitempty"`
	FailedStep        *int          `json:"failed_step,omitempty"`
	ContextID         string        `json:"context_id,omitempty"`
	LastResult        *StepResult   `json:"last_result,omitempty"`
}

// StartDebugRequest is the payload for starting a debug session
type StartDebugRequest struct {
	ExecutionID       int64     `json:"execution_id"`
	TargetStepNumber  int       `json:"target_step_number"`
	EndStepNumber     *int      `json:"end_step_number,omitempty"`
	Mode              DebugMode `json:"mode"`
	SkipPrerequisites bool      `json:"skip_prerequisites"`
	Continuous        bool      `json:"continuous,omitempty"`
	UserID            string    `json:"-"`
}

// StepResult is the outcome of one step execution
type StepResult struct {
	StepNumber    int       `json:"step_number"`
	Description   string    `json:"description"`
	Instruction   string    `json:"instruction"`
	Passed        bool      `json:"passed"`
	Error         string    `json:"error,omitempty"`
	Screenshot    string    `json:"screenshot,omitempty"`
	DurationMs    int64     `json:"duration_ms"`
	Iteration     int       `json:"iteration,omitempty"`
	Note          string    `json:"note,omitempty"`
	HasMoreSteps  bool      `json:"has_more_steps"`
	RangeComplete bool      `json:"range_complete"`
	ExecutedAt    time.Time `json:"executed_at"`
}

// ExecuteStepRequest is the payload for re-running the current step
type ExecuteStepRequest struct {
	SessionID     string `json:"session_id"`
	IterationNote string `json:"iteration_note,omitempty"`
	Instruction   string `json:"instruction,omitempty"` // replaces the step's action for this attempt
}

// ExecuteNextResponse wraps a step result with range progress
type ExecuteNextResponse struct {
	StepResult
	TotalSteps int           `json:"total_steps"`
	Status     SessionStatus `json:"status"`
}

// SessionRequest identifies a session in POST bodies
type SessionRequest struct {
	SessionID string `json:"session_id"`
}

// ContinuousRequest toggles server-side continuous play
type ContinuousRequest struct {
	Enabled    bool `json:"enabled"`
	IntervalMs int  `json:"interval_ms,omitempty"`
}

// StopResponse carries the final counters of a stopped session
type StopResponse struct {
	SessionID       string        `json:"session_id"`
	Status          SessionStatus `json:"status"`
	IterationsCount int           `json:"iterations_count"`
	TokensUsed      int64         `json:"tokens_used"`
}

// SessionList is a paginated listing of debug sessions
type SessionList struct {
	Sessions       []DebugSession `json:"sessions"`
	Total          int            `json:"total"`
	ActiveSessions int            `json:"active_sessions"`
	Skip           int            `json:"skip"`
	Limit          int            `json:"limit"`
}

// SetupInstruction tells an operator how to reach a prerequisite state by hand
type SetupInstruction struct {
	StepNumber    int    `json:"step_number"`
	Description   string `json:"description"`
	Action        string `json:"action"`
	ExpectedState string `json:"expected_state,omitempty"`
}
