package export

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lucasnoah/leadflow/internal/apperr"
	"github.com/lucasnoah/leadflow/internal/db"
)

func testDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestWriteAtomicAndReadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.json")
	if err := WriteJSON(path, map[string]int{"a": 1}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var got map[string]int
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got["a"] != 1 {
		t.Errorf("got %v", got)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestRunWritesBundle(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	if err := d.UpsertJob(ctx, &db.Job{ID: "job-1", BusinessID: "biz-1", CustomerID: "cust-1", Status: "booked"}); err != nil {
		t.Fatalf("UpsertJob: %v", err)
	}
	if err := d.CreateRun(ctx, &db.Run{
		ID:           "run-1",
		BusinessID:   "biz-1",
		CustomerID:   "cust-1",
		JobID:        "job-1",
		CurrentStage: "LEAD_INTAKE",
		Status:       db.StatusRunning,
		Context:      `{"schema_version":1}`,
	}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	dir := t.TempDir()
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	m, err := Run(ctx, d, "run-1", dir, now)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.JobID != "job-1" || len(m.Files) != 4 {
		t.Errorf("manifest = %+v", m)
	}

	back, err := ReadManifest(dir)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if back.RunID != "run-1" || !back.ExportedAt.Equal(now) {
		t.Errorf("manifest round trip = %+v", back)
	}

	var rec RunRecord
	if err := ReadJSON(filepath.Join(dir, RunFile), &rec); err != nil {
		t.Fatalf("read run: %v", err)
	}
	var c struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(rec.Context, &c); err != nil || c.SchemaVersion != 1 {
		t.Errorf("context = %s (%v)", rec.Context, err)
	}
	var pay Payments
	if err := ReadJSON(filepath.Join(dir, PaymentsFile), &pay); err != nil {
		t.Fatalf("read payments: %v", err)
	}
	if pay.Job == nil || pay.Job.ID != "job-1" {
		t.Errorf("payments job = %+v", pay.Job)
	}
}

func TestRunUnknown(t *testing.T) {
	_, err := Run(context.Background(), testDB(t), "nope", t.TempDir(), time.Now())
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}
