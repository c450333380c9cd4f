package model

import (
	"strings"
	"time"
)

// Stage names a pipeline step that owns a status triple.
type Stage string

const (
	StageIntake   Stage = "intake"
	StageResearch Stage = "research"
	StageFinalize Stage = "finalize"
)

// Status is the fine-grained run state.
type Status string

const (
	StatusCreated    Status = "created"
	StatusCancelling Status = "cancelling"
	StatusCancelled  Status = "cancelled"
)

// Queued returns <stage>_queued.
func (s Stage) Queued() Status { return Status(string(s) + "_queued") }

// Running returns <stage>_running.
func (s Stage) Running() Status { return Status(string(s) + "_running") }

// Completed returns <stage>_completed.
func (s Stage) Completed() Status { return Status(string(s) + "_completed") }

// Failed returns <stage>_failed.
func (s Stage) Failed() Status { return Status(string(s) + "_failed") }

// Stage returns the stage a status belongs to, or "" for created and the
// cancellation states.
func (s Status) Stage() Stage {
	i := strings.LastIndexByte(string(s), '_')
	if i < 0 {
		return ""
	}
	switch st := Stage(s[:i]); st {
	case StageIntake, StageResearch, StageFinalize:
		return st
	}
	return ""
}

// InFlight reports whether a stage is queued or running.
func (s Status) InFlight() bool {
	return strings.HasSuffix(string(s), "_queued") || strings.HasSuffix(string(s), "_running")
}

// IsFailed reports whether s is a <stage>_failed status.
func (s Status) IsFailed() bool {
	return s.Stage() != "" && strings.HasSuffix(string(s), "_failed")
}

// Phase is the coarse pipeline position. Phases only move forward.
type Phase string

const (
	PhaseIntake       Phase = "intake"
	PhaseResearch     Phase = "research"
	PhaseResearchDone Phase = "research_done"
	PhaseFinalize     Phase = "finalize"
	PhaseDone         Phase = "done"
)

var phaseOrder = map[Phase]int{
	PhaseIntake:       0,
	PhaseResearch:     1,
	PhaseResearchDone: 2,
	PhaseFinalize:     3,
	PhaseDone:         4,
}

// Rank returns the position of p in the phase order, or -1 if unknown.
func (p Phase) Rank() int {
	if r, ok := phaseOrder[p]; ok {
		return r
	}
	return -1
}

// Before reports whether p precedes other.
func (p Phase) Before(other Phase) bool {
	return p.Rank() < other.Rank()
}

// ExecutionMode controls whether finalize follows research automatically.
type ExecutionMode string

const (
	ModeManual            ExecutionMode = "manual"
	ModeEmailAutoFinalize ExecutionMode = "email_auto_finalize"
)

// Metrics holds the pipeline counters for one run.
type Metrics struct {
	TotalQueries         int     `json:"total_queries"`
	SuccessfulQueries    int     `json:"successful_queries"`
	FailedQueries        int     `json:"failed_queries"`
	TotalLeadsFound      int     `json:"total_leads_found"`
	LeadsAfterDedup      int     `json:"leads_after_dedup"`
	LeadsEnriched        int     `json:"leads_enriched"`
	LeadsWithContactInfo int     `json:"leads_with_contact_info"`
	ExecutionTimeSeconds float64 `json:"execution_time_seconds"`
}

// Run is a point-in-time snapshot of a run's metadata.
type Run struct {
	ID          string        `json:"run_id"`
	RunDir      string        `json:"run_dir"`
	Status      Status        `json:"status"`
	Phase       Phase         `json:"phase"`
	Mode        ExecutionMode `json:"execution_mode"`
	Error       string        `json:"error,omitempty"`
	Email       string        `json:"email,omitempty"`
	EmailSent   bool          `json:"email_sent"`
	EmailSentTo string        `json:"email_sent_to,omitempty"`
	EmailError  string        `json:"email_error,omitempty"`
	Metrics     Metrics       `json:"metrics"`
	HasTask     bool          `json:"has_task"`
	TaskDone    bool          `json:"task_done"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}
