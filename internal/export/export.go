// Package export writes a run and its payment trail to a directory of JSON
// files for support and audit hand-off.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/lucasnoah/leadflow/internal/analytics"
	"github.com/lucasnoah/leadflow/internal/apperr"
	"github.com/lucasnoah/leadflow/internal/db"
)

// Bundle file names.
const (
	ManifestFile = "manifest.json"
	RunFile      = "run.json"
	StepsFile    = "steps.json"
	TimelineFile = "timeline.json"
	PaymentsFile = "payments.json"
)

// Manifest describes an exported bundle.
type Manifest struct {
	RunID      string         `json:"run_id"`
	JobID      string         `json:"job_id,omitempty"`
	ExportedAt time.Time      `json:"exported_at"`
	Files      []string       `json:"files"`
	Counts     map[string]int `json:"counts"`
}

// RunRecord is the run row with its context decoded.
type RunRecord struct {
	Run     db.Run          `json:"run"`
	Context json.RawMessage `json:"context"`
}

// Payments is everything the payment saga recorded against the run's job.
type Payments struct {
	Job          *db.Job             `json:"job,omitempty"`
	Decisions    []db.DecisionRecord `json:"decisions"`
	Transactions []db.Transaction    `json:"transactions"`
	Invoices     []db.Invoice        `json:"invoices"`
	Sessions     []db.PaymentSession `json:"sessions"`
	HumanTasks   []db.HumanTask      `json:"human_tasks"`
}

// Run writes the bundle for runID into dir and returns its manifest.
func Run(ctx context.Context, database *db.DB, runID, dir string, now time.Time) (*Manifest, error) {
	const op = "export run"
	run, err := database.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, apperr.NotFound(op, "run %s not found", runID)
	}

	steps, err := database.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	timeline, err := analytics.QueryRunTimeline(ctx, database, runID)
	if err != nil {
		return nil, err
	}
	pay, err := loadPayments(ctx, database, run.JobID)
	if err != nil {
		return nil, err
	}

	rec := RunRecord{Run: *run}
	if json.Valid([]byte(run.Context)) {
		rec.Context = json.RawMessage(run.Context)
	}

	m := &Manifest{
		RunID:      run.ID,
		JobID:      run.JobID,
		ExportedAt: now.UTC(),
		Counts: map[string]int{
			"steps":        len(steps),
			"timeline":     len(timeline),
			"decisions":    len(pay.Decisions),
			"transactions": len(pay.Transactions),
		},
	}
	files := []struct {
		name string
		v    any
	}{
		{RunFile, rec},
		{StepsFile, steps},
		{TimelineFile, timeline},
		{PaymentsFile, pay},
	}
	for _, f := range files {
		if err := WriteJSON(filepath.Join(dir, f.name), f.v); err != nil {
			return nil, fmt.Errorf("writing %s: %w", f.name, err)
		}
		m.Files = append(m.Files, f.name)
	}
	// A bundle is complete once its manifest exists.
	if err := WriteJSON(filepath.Join(dir, ManifestFile), m); err != nil {
		return nil, fmt.Errorf("writing %s: %w", ManifestFile, err)
	}
	return m, nil
}

func loadPayments(ctx context.Context, database *db.DB, jobID string) (*Payments, error) {
	p := &Payments{}
	if jobID == "" {
		return p, nil
	}
	var err error
	if p.Job, err = database.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	if p.Decisions, err = database.ListDecisions(ctx, jobID, 0); err != nil {
		return nil, err
	}
	if p.Transactions, err = database.ListTransactionsByJob(ctx, jobID); err != nil {
		return nil, err
	}
	if p.Invoices, err = database.ListInvoices(ctx, jobID); err != nil {
		return nil, err
	}
	if p.Sessions, err = database.ListPaymentSessions(ctx, jobID); err != nil {
		return nil, err
	}
	if p.HumanTasks, err = database.ListHumanTasks(ctx, jobID, ""); err != nil {
		return nil, err
	}
	return p, nil
}

// ReadManifest loads the manifest of a bundle directory.
func ReadManifest(dir string) (*Manifest, error) {
	var m Manifest
	if err := ReadJSON(filepath.Join(dir, ManifestFile), &m); err != nil {
		return nil, err
	}
	return &m, nil
}
