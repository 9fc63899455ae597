// Package saga implements the Deployment Saga engine (spec §4.7): a
// generic ordered sequence of steps with declared compensations, executed
// in order and unwound in reverse on the first failure.
package saga

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/otturnaut/agent/pkg/logging"
)

// Step is a single unit of saga work. Run performs the step's side effect;
// Undo, if non-nil, reverses it. Undo must be total and idempotent — it is
// invoked during unwinding even if a later step never ran. Undo returns an
// error purely for aggregation into the unwind's combined diagnostic; it
// never aborts the rest of the unwind.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
	Undo func(ctx context.Context) error
}

// Engine executes a fixed list of Steps in order, recording which ones
// completed, and unwinds completed steps in reverse order on the first
// failure.
type Engine struct {
	steps []Step
}

// New constructs an Engine over the given ordered steps.
func New(steps ...Step) *Engine {
	return &Engine{steps: steps}
}

// Run executes every step in order. On the first failure it stops, invokes
// Undo on every step that completed so far (reverse order), and returns
// the triggering error. Undo panics/errors are logged, never propagated —
// unwinding always runs to completion.
func (e *Engine) Run(ctx context.Context) error {
	completed := make([]Step, 0, len(e.steps))

	for _, step := range e.steps {
		logging.S().Infow("saga step starting", "step", step.Name)
		if err := step.Run(ctx); err != nil {
			logging.S().Warnw("saga step failed, unwinding", "step", step.Name, "err", err)
			e.unwind(ctx, completed)
			return err
		}
		completed = append(completed, step)
	}
	return nil
}

func (e *Engine) unwind(ctx context.Context, completed []Step) {
	var merr *multierror.Error
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Undo == nil {
			continue
		}
		logging.S().Infow("saga step undoing", "step", step.Name)
		func() {
			defer func() {
				if r := recover(); r != nil {
					merr = multierror.Append(merr, fmt.Errorf("step %s: undo panicked: %v", step.Name, r))
				}
			}()
			if err := step.Undo(ctx); err != nil {
				merr = multierror.Append(merr, fmt.Errorf("step %s: %w", step.Name, err))
			}
		}()
	}
	if err := merr.ErrorOrNil(); err != nil {
		logging.S().Warnw("saga unwind completed with compensation errors", "err", err)
	}
}

// Notifier receives progress notifications emitted before each step
// begins. A nil Notifier is valid and silently discards every message.
type Notifier interface {
	Notify(kind, step, message string)
}

// NoopNotifier discards every notification.
type NoopNotifier struct{}

func (NoopNotifier) Notify(string, string, string) {}

const (
	KindDeploymentProgress = "deployment_progress"
	KindUndeployProgress   = "undeploy_progress"
	KindBuildProgress      = "build_progress"
)
