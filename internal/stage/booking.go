package stage

import (
	"context"
	"fmt"

	appctx "github.com/lucasnoah/leadflow/internal/context"
)

// DispatchReadyEvaluator creates the dispatch order for the locked crew.
type DispatchReadyEvaluator struct {
	dispatcher Dispatcher
}

// NewDispatchReady creates the DISPATCH_READY evaluator.
func NewDispatchReady(d Dispatcher) *DispatchReadyEvaluator {
	return &DispatchReadyEvaluator{dispatcher: d}
}

func (e *DispatchReadyEvaluator) Name() string { return "dispatch_ready" }
func (e *DispatchReadyEvaluator) Stage() Stage { return DispatchReady }

func (e *DispatchReadyEvaluator) Evaluate(ctx context.Context, in Input) (*Result, error) {
	c := in.Context
	if c.Crew == nil || !c.Crew.Locked {
		return &Result{Decision: waitFor(WaitOps, Low, "crew not locked")}, nil
	}
	if c.Schedule == nil || c.Schedule.Selected == nil || c.Location == nil {
		return &Result{Decision: waitFor(WaitOps, Low, "window or location missing")}, nil
	}
	d, err := e.dispatcher.CreateDispatch(ctx, DispatchRequest{
		JobID:    in.Entity.JobID,
		CrewID:   c.Crew.CrewID,
		Window:   *c.Schedule.Selected,
		Location: *c.Location,
	})
	if err != nil {
		return nil, fmt.Errorf("create dispatch: %w", err)
	}
	return &Result{Output: d, Patch: appctx.Patch{Dispatch: d}, Decision: advance(High, "dispatch "+d.DispatchID)}, nil
}

// JobBookedEvaluator records the job in the external booking system.
type JobBookedEvaluator struct {
	booking BookingSystem
}

// NewJobBooked creates the JOB_BOOKED evaluator.
func NewJobBooked(b BookingSystem) *JobBookedEvaluator {
	return &JobBookedEvaluator{booking: b}
}

func (e *JobBookedEvaluator) Name() string { return "job_booked" }
func (e *JobBookedEvaluator) Stage() Stage { return JobBooked }

func (e *JobBookedEvaluator) Evaluate(ctx context.Context, in Input) (*Result, error) {
	c := in.Context
	if c.Dispatch == nil || c.Schedule == nil || c.Schedule.Selected == nil {
		return &Result{Decision: waitFor(WaitOps, Low, "not dispatched")}, nil
	}
	req := BookingRequest{
		BusinessID: in.BusinessID,
		JobID:      in.Entity.JobID,
		Services:   c.Services,
		DispatchID: c.Dispatch.DispatchID,
		Window:     *c.Schedule.Selected,
	}
	if c.Customer != nil {
		req.Customer = *c.Customer
	}
	if c.Crew != nil {
		req.CrewID = c.Crew.CrewID
	}
	if c.Quote != nil {
		req.Price = c.Quote.High
		req.Currency = c.Quote.Currency
	}
	id, err := e.booking.Book(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("book job: %w", err)
	}
	b := &appctx.Booking{BookingID: id}
	return &Result{Output: b, Patch: appctx.Patch{Booking: b}, Decision: advance(High, "booked "+id)}, nil
}
