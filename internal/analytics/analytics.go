// Package analytics answers operational questions from the run and payment
// tables: where runs stall, how long stages take and how payment decisions
// split.
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/lucasnoah/leadflow/internal/db"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
}

// timestamp formats to try when parsing timestamps from the database
var timestampFormats = []string{
	db.TimeLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, f := range timestampFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// sinceClause appends a created-at lower bound when since is set.
func sinceClause(query, column, since string, args []any) (string, []any) {
	if since == "" {
		return query, args
	}
	args = append(args, since)
	return query + fmt.Sprintf(" AND %s >= $%d", column, len(args)), args
}

// StageDuration holds evaluation time stats for a stage.
type StageDuration struct {
	Stage string  `json:"stage"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_ms"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
}

// QueryStageDurations returns average and percentile evaluation times per
// stage from completed steps.
func QueryStageDurations(ctx context.Context, database DB, since string) ([]StageDuration, error) {
	query, args := sinceClause(`
		SELECT stage, started_at, completed_at
		FROM steps
		WHERE completed_at != ''`, "started_at", since, nil)

	rows, err := database.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stage durations: %w", err)
	}
	defer rows.Close()

	byStage := make(map[string][]float64)
	for rows.Next() {
		var stage, startTS, endTS string
		if err := rows.Scan(&stage, &startTS, &endTS); err != nil {
			return nil, fmt.Errorf("scan stage duration: %w", err)
		}
		start, err := parseTimestamp(startTS)
		if err != nil {
			continue
		}
		end, err := parseTimestamp(endTS)
		if err != nil {
			continue
		}
		if ms := float64(end.Sub(start).Microseconds()) / 1000; ms >= 0 {
			byStage[stage] = append(byStage[stage], ms)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []StageDuration
	for stage, durations := range byStage {
		sort.Float64s(durations)
		results = append(results, StageDuration{
			Stage: stage,
			Count: len(durations),
			Avg:   avg(durations),
			P50:   percentile(durations, 50),
			P95:   percentile(durations, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage < results[j].Stage
	})
	return results, nil
}

// StageFunnel counts runs by the stage they currently sit at.
type StageFunnel struct {
	Stage           string `json:"stage"`
	Running         int    `json:"running"`
	WaitingCustomer int    `json:"waiting_customer"`
	WaitingOps      int    `json:"waiting_ops"`
	Completed       int    `json:"completed"`
	Failed          int    `json:"failed"`
	Canceled        int    `json:"canceled"`
	Total           int    `json:"total"`
}

// QueryFunnel returns run counts per current stage, in pipeline order when
// order is given.
func QueryFunnel(ctx context.Context, database DB, businessID, since string, order []string) ([]StageFunnel, error) {
	query := `
		SELECT current_stage, status, COUNT(*)
		FROM runs
		WHERE 1=1`
	var args []any
	if businessID != "" {
		args = append(args, businessID)
		query += fmt.Sprintf(" AND business_id = $%d", len(args))
	}
	query, args = sinceClause(query, "created_at", since, args)
	query += ` GROUP BY current_stage, status`

	rows, err := database.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query funnel: %w", err)
	}
	defer rows.Close()

	byStage := map[string]*StageFunnel{}
	for rows.Next() {
		var stage, status string
		var n int
		if err := rows.Scan(&stage, &status, &n); err != nil {
			return nil, fmt.Errorf("scan funnel: %w", err)
		}
		f, ok := byStage[stage]
		if !ok {
			f = &StageFunnel{Stage: stage}
			byStage[stage] = f
		}
		switch status {
		case db.StatusRunning:
			f.Running += n
		case db.StatusWaitingCustomer:
			f.WaitingCustomer += n
		case db.StatusWaitingOps:
			f.WaitingOps += n
		case db.StatusCompleted:
			f.Completed += n
		case db.StatusFailed:
			f.Failed += n
		case db.StatusCanceled:
			f.Canceled += n
		}
		f.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rank := make(map[string]int, len(order))
	for i, s := range order {
		rank[s] = i + 1
	}
	results := make([]StageFunnel, 0, len(byStage))
	for _, f := range byStage {
		results = append(results, *f)
	}
	sort.Slice(results, func(i, j int) bool {
		ri, rj := rank[results[i].Stage], rank[results[j].Stage]
		if ri != rj {
			if ri == 0 || rj == 0 {
				return rj == 0
			}
			return ri < rj
		}
		return results[i].Stage < results[j].Stage
	})
	return results, nil
}

// WaitCount summarizes runs parked on one wait reason.
type WaitCount struct {
	Reason        string  `json:"reason"`
	Count         int     `json:"count"`
	OldestMinutes float64 `json:"oldest_minutes"`
}

// QueryWaiting returns waiting runs grouped by reason, with the age of the
// longest waiter as of now.
func QueryWaiting(ctx context.Context, database DB, businessID string, now time.Time) ([]WaitCount, error) {
	query := `
		SELECT wait_reason, updated_at
		FROM runs
		WHERE status IN ('waiting_customer', 'waiting_ops')`
	var args []any
	if businessID != "" {
		args = append(args, businessID)
		query += fmt.Sprintf(" AND business_id = $%d", len(args))
	}

	rows, err := database.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query waiting runs: %w", err)
	}
	defer rows.Close()

	byReason := map[string]*WaitCount{}
	for rows.Next() {
		var reason, updated string
		if err := rows.Scan(&reason, &updated); err != nil {
			return nil, fmt.Errorf("scan waiting run: %w", err)
		}
		w, ok := byReason[reason]
		if !ok {
			w = &WaitCount{Reason: reason}
			byReason[reason] = w
		}
		w.Count++
		if t, err := parseTimestamp(updated); err == nil {
			if age := math.Round(now.Sub(t).Minutes()*10) / 10; age > w.OldestMinutes {
				w.OldestMinutes = age
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	results := make([]WaitCount, 0, len(byReason))
	for _, w := range byReason {
		results = append(results, *w)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Count != results[j].Count {
			return results[i].Count > results[j].Count
		}
		return results[i].Reason < results[j].Reason
	})
	return results, nil
}

// DecisionMix holds payment decision stats for one label.
type DecisionMix struct {
	Label         string  `json:"label"`
	Count         int     `json:"count"`
	Share         float64 `json:"share_pct"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	Escalated     int     `json:"escalated"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// QueryDecisionMix returns how payment decisions split across labels.
func QueryDecisionMix(ctx context.Context, database DB, since string) ([]DecisionMix, error) {
	query, args := sinceClause(`
		SELECT label,
			COUNT(*),
			SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'escalated' THEN 1 ELSE 0 END),
			AVG(confidence)
		FROM decisions
		WHERE 1=1`, "created_at", since, nil)
	query += ` GROUP BY label`

	rows, err := database.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query decision mix: %w", err)
	}
	defer rows.Close()

	var results []DecisionMix
	total := 0
	for rows.Next() {
		var m DecisionMix
		var conf sql.NullFloat64
		if err := rows.Scan(&m.Label, &m.Count, &m.Completed, &m.Failed, &m.Escalated, &conf); err != nil {
			return nil, fmt.Errorf("scan decision mix: %w", err)
		}
		if conf.Valid {
			m.AvgConfidence = math.Round(conf.Float64*1000) / 1000
		}
		total += m.Count
		results = append(results, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Share = pct(results[i].Count, total)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Count != results[j].Count {
			return results[i].Count > results[j].Count
		}
		return results[i].Label < results[j].Label
	})
	return results, nil
}

// PaymentOutcome holds transaction totals for one status.
type PaymentOutcome struct {
	Status     string  `json:"status"`
	Count      int     `json:"count"`
	Amount     int64   `json:"amount"`
	AvgRetries float64 `json:"avg_retries"`
}

// QueryPaymentOutcomes returns transaction counts and amounts by status.
func QueryPaymentOutcomes(ctx context.Context, database DB, since string) ([]PaymentOutcome, error) {
	query, args := sinceClause(`
		SELECT status, COUNT(*), COALESCE(SUM(amount), 0), AVG(retry_count)
		FROM transactions
		WHERE 1=1`, "created_at", since, nil)
	query += ` GROUP BY status ORDER BY status`

	rows, err := database.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query payment outcomes: %w", err)
	}
	defer rows.Close()

	var results []PaymentOutcome
	for rows.Next() {
		var o PaymentOutcome
		var retries sql.NullFloat64
		if err := rows.Scan(&o.Status, &o.Count, &o.Amount, &retries); err != nil {
			return nil, fmt.Errorf("scan payment outcome: %w", err)
		}
		if retries.Valid {
			o.AvgRetries = math.Round(retries.Float64*10) / 10
		}
		results = append(results, o)
	}
	return results, rows.Err()
}

// TimelineEntry is one event in a run's history.
type TimelineEntry struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Event     string `json:"event"`
	Stage     string `json:"stage,omitempty"`
	Actor     string `json:"actor,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// QueryRunTimeline merges a run's steps, audit events and inbound messages
// into one timeline.
func QueryRunTimeline(ctx context.Context, database DB, runID string) ([]TimelineEntry, error) {
	var results []TimelineEntry
	conn := database.Conn()

	stRows, err := conn.QueryContext(ctx,
		`SELECT started_at, step_index, stage, error FROM steps WHERE run_id = $1 ORDER BY step_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer stRows.Close()
	for stRows.Next() {
		var ts, stage, stepErr string
		var idx int
		if err := stRows.Scan(&ts, &idx, &stage, &stepErr); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		detail := fmt.Sprintf("step %d", idx)
		if stepErr != "" {
			detail += ": " + stepErr
		}
		results = append(results, TimelineEntry{Timestamp: ts, Type: "step", Event: "evaluated", Stage: stage, Detail: detail})
	}
	if err := stRows.Err(); err != nil {
		return nil, err
	}

	auRows, err := conn.QueryContext(ctx,
		`SELECT created_at, kind, actor, stage, detail FROM audit_events WHERE subject_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer auRows.Close()
	for auRows.Next() {
		var e TimelineEntry
		if err := auRows.Scan(&e.Timestamp, &e.Event, &e.Actor, &e.Stage, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Type = "audit"
		results = append(results, e)
	}
	if err := auRows.Err(); err != nil {
		return nil, err
	}

	msgRows, err := conn.QueryContext(ctx,
		`SELECT received_at, channel, body FROM inbound_messages WHERE run_id = $1 ORDER BY received_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer msgRows.Close()
	for msgRows.Next() {
		var ts, channel, body string
		if err := msgRows.Scan(&ts, &channel, &body); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if len(body) > 80 {
			body = body[:77] + "..."
		}
		results = append(results, TimelineEntry{Timestamp: ts, Type: "message", Event: channel, Actor: "customer", Detail: body})
	}
	if err := msgRows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Timestamp < results[j].Timestamp
	})
	return results, nil
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
