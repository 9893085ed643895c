package stage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/leadflow/internal/config"
	appctx "github.com/lucasnoah/leadflow/internal/context"
)

// ScheduleProposeEvaluator offers service windows and selects one once the
// customer's preference is known.
type ScheduleProposeEvaluator struct {
	cfg       config.Schedule
	messenger Messenger
	now       func() time.Time
}

// NewSchedulePropose creates the SCHEDULE_PROPOSE evaluator.
func NewSchedulePropose(cfg config.Schedule, msg Messenger) *ScheduleProposeEvaluator {
	return &ScheduleProposeEvaluator{cfg: cfg, messenger: msg, now: time.Now}
}

// SetClock overrides the time source (for testing).
func (e *ScheduleProposeEvaluator) SetClock(now func() time.Time) {
	e.now = now
}

func (e *ScheduleProposeEvaluator) Name() string { return "schedule_propose" }
func (e *ScheduleProposeEvaluator) Stage() Stage { return SchedulePropose }

// BuildWindows lays out the service windows over the horizon, starting the
// day after from.
func BuildWindows(cfg config.Schedule, from time.Time) []appctx.Window {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := from.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	var windows []appctx.Window
	for d := 1; d <= cfg.HorizonDays; d++ {
		date := day.AddDate(0, 0, d)
		for w := 0; w < cfg.WindowsPerDay; w++ {
			start := date.Add(time.Duration(cfg.FirstWindowHour+w*cfg.WindowHours) * time.Hour)
			if start.Hour() >= 24 || start.Day() != date.Day() {
				break
			}
			windows = append(windows, appctx.Window{
				Start: start.UTC(),
				End:   start.Add(time.Duration(cfg.WindowHours) * time.Hour).UTC(),
			})
		}
	}
	return windows
}

// preference is what the customer told us about timing.
type preference struct {
	anyTime  bool
	part     string // "morning" or "afternoon"
	weekdays map[time.Weekday]bool
}

func (p preference) empty() bool {
	return !p.anyTime && p.part == "" && len(p.weekdays) == 0
}

func parsePreference(text string) preference {
	t := strings.ToLower(text)
	p := preference{weekdays: map[time.Weekday]bool{}}
	for _, kw := range []string{"any", "asap", "whenever", "first available", "earliest", "soonest"} {
		if strings.Contains(t, kw) {
			p.anyTime = true
		}
	}
	switch {
	case strings.Contains(t, "morning"):
		p.part = "morning"
	case strings.Contains(t, "afternoon"), strings.Contains(t, "evening"):
		p.part = "afternoon"
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.Contains(t, strings.ToLower(d.String())) {
			p.weekdays[d] = true
		}
	}
	return p
}

func (p preference) matches(w appctx.Window, loc *time.Location) bool {
	start := w.Start.In(loc)
	if len(p.weekdays) > 0 && !p.weekdays[start.Weekday()] {
		return false
	}
	switch p.part {
	case "morning":
		return start.Hour() < 12
	case "afternoon":
		return start.Hour() >= 12
	}
	return true
}

func (e *ScheduleProposeEvaluator) Evaluate(ctx context.Context, in Input) (*Result, error) {
	c := in.Context
	loc, err := time.LoadLocation(e.cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}

	sched := appctx.Schedule{}
	if c.Schedule != nil {
		sched = *c.Schedule
	}
	if len(sched.Proposed) == 0 {
		sched.Proposed = BuildWindows(e.cfg, e.now())
	}
	if len(sched.Proposed) == 0 {
		return &Result{Decision: waitFor(WaitOps, Low, "no service windows in horizon")}, nil
	}

	pref := parsePreference(sched.LastReply)
	source := "reply"
	if pref.empty() && c.Enrichment != nil && c.Enrichment.PreferredWindow != "" {
		pref = parsePreference(c.Enrichment.PreferredWindow)
		source = "history"
	}

	if pref.empty() {
		if sched.LastReply != "" {
			return &Result{
				Output:   sched.Proposed,
				Patch:    appctx.Patch{Schedule: &sched},
				Decision: waitFor(WaitCustomer, Low, "could not read a time preference from reply"),
			}, nil
		}
		if c.Customer == nil {
			return nil, fmt.Errorf("schedule propose: context has no customer")
		}
		if _, err := e.messenger.SendScheduleOptions(ctx, *c.Customer, sched.Proposed); err != nil {
			return nil, fmt.Errorf("send schedule options: %w", err)
		}
		return &Result{
			Output:   sched.Proposed,
			Patch:    appctx.Patch{Schedule: &sched},
			Decision: waitFor(WaitCustomer, Medium, fmt.Sprintf("offered %d windows", len(sched.Proposed))),
		}, nil
	}

	for _, w := range sched.Proposed {
		if pref.matches(w, loc) {
			sel := w
			sched.Selected = &sel
			conf := High
			if source == "history" {
				conf = Medium
			}
			return &Result{
				Output:   sched.Proposed,
				Patch:    appctx.Patch{Schedule: &sched},
				Decision: advance(conf, fmt.Sprintf("selected %s from %s", sel.Start.In(loc).Format("Mon Jan 2 15:04"), source)),
			}, nil
		}
	}

	return &Result{
		Output:   sched.Proposed,
		Patch:    appctx.Patch{Schedule: &sched},
		Decision: waitFor(WaitCustomer, Low, "no proposed window matches preference"),
	}, nil
}
