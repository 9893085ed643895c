package stage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	appctx "github.com/lucasnoah/leadflow/internal/context"
)

// Input is what an evaluator sees: the run's context plus a snapshot of the
// business entity it drives.
type Input struct {
	RunID      string
	BusinessID string
	CustomerID string
	Context    appctx.Context
	Entity     Entity
}

// Entity is the read-only snapshot of the job a run drives.
type Entity struct {
	JobID  string `json:"job_id"`
	Stage  string `json:"stage"`
	Status string `json:"status"`
}

// Result is an evaluator's raw output, its context patch, and its decision.
type Result struct {
	Output   any
	Patch    appctx.Patch
	Decision Decision
}

// Evaluator produces a decision for exactly one stage.
type Evaluator interface {
	Name() string
	Stage() Stage
	Evaluate(ctx context.Context, in Input) (*Result, error)
}

// Registry maps each stage to its evaluator.
type Registry struct {
	evaluators map[Stage]Evaluator
}

// NewRegistry builds a registry and validates that every stage has exactly
// one evaluator.
func NewRegistry(evaluators ...Evaluator) (*Registry, error) {
	r := &Registry{evaluators: make(map[Stage]Evaluator, len(Order))}
	for _, e := range evaluators {
		s := e.Stage()
		if !s.Valid() {
			return nil, fmt.Errorf("evaluator %q: unknown stage %q", e.Name(), s)
		}
		if prev, ok := r.evaluators[s]; ok {
			return nil, fmt.Errorf("stage %s: duplicate evaluators %q and %q", s, prev.Name(), e.Name())
		}
		r.evaluators[s] = e
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate reports every stage without an evaluator.
func (r *Registry) Validate() error {
	var missing []string
	for _, s := range Order {
		if _, ok := r.evaluators[s]; !ok {
			missing = append(missing, string(s))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("no evaluator registered for: %s", strings.Join(missing, ", "))
	}
	return nil
}

// For returns the evaluator for a stage.
func (r *Registry) For(s Stage) (Evaluator, bool) {
	e, ok := r.evaluators[s]
	return e, ok
}
