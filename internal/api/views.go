package api

import (
	"encoding/json"
	"time"

	"github.com/lucasnoah/leadflow/internal/db"
	"github.com/lucasnoah/leadflow/internal/orchestrator"
)

// RunView is the JSON shape of a run.
type RunView struct {
	ID             string          `json:"id"`
	BusinessID     string          `json:"business_id"`
	AccountID      string          `json:"account_id,omitempty"`
	CustomerID     string          `json:"customer_id,omitempty"`
	JobID          string          `json:"job_id,omitempty"`
	CurrentStage   string          `json:"current_stage"`
	Status         string          `json:"status"`
	Confidence     string          `json:"confidence,omitempty"`
	Outcome        string          `json:"outcome,omitempty"`
	WaitReason     string          `json:"wait_reason,omitempty"`
	LastApprovedBy string          `json:"last_approved_by,omitempty"`
	LastApprovedAt *time.Time      `json:"last_approved_at,omitempty"`
	Version        int             `json:"version"`
	Context        json.RawMessage `json:"context,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewRunView converts a run row, embedding its context when withContext is set.
func NewRunView(r *db.Run, withContext bool) RunView {
	v := RunView{
		ID:             r.ID,
		BusinessID:     r.BusinessID,
		AccountID:      r.AccountID,
		CustomerID:     r.CustomerID,
		JobID:          r.JobID,
		CurrentStage:   r.CurrentStage,
		Status:         r.Status,
		Confidence:     r.Confidence,
		Outcome:        r.Outcome,
		WaitReason:     r.WaitReason,
		LastApprovedBy: r.LastApprovedBy,
		Version:        r.Version,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if !r.LastApprovedAt.IsZero() {
		at := r.LastApprovedAt
		v.LastApprovedAt = &at
	}
	if withContext && json.Valid([]byte(r.Context)) {
		v.Context = json.RawMessage(r.Context)
	}
	return v
}

// StepView is the JSON shape of a step.
type StepView struct {
	StepIndex   int             `json:"step_index"`
	Stage       string          `json:"stage"`
	Evaluators  []string        `json:"evaluators"`
	Decision    json.RawMessage `json:"decision,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// NewStepView converts a step row.
func NewStepView(s db.Step) StepView {
	v := StepView{
		StepIndex:  s.StepIndex,
		Stage:      s.Stage,
		Evaluators: s.Evaluators,
		Error:      s.Error,
		StartedAt:  s.StartedAt,
	}
	if json.Valid([]byte(s.Decision)) {
		v.Decision = json.RawMessage(s.Decision)
	}
	if !s.CompletedAt.IsZero() {
		at := s.CompletedAt
		v.CompletedAt = &at
	}
	return v
}

type advanceResponse struct {
	Run   RunView                    `json:"run"`
	Steps []*orchestrator.StepResult `json:"steps"`
}
