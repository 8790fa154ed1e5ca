package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/bcnelson/instance-rental/internal/domain"
	"github.com/bcnelson/instance-rental/internal/logging"
	"github.com/bcnelson/instance-rental/internal/metrics"
)

// Steps are the lifecycle operations a workflow is composed of.
type Steps interface {
	CheckComplete(ctx context.Context, rentalID, operationID string, errorIfNoOperations bool) domain.Completion
	CheckUpdateComplete(ctx context.Context, rentalID string, level domain.UpdateLevel, operationID string) domain.Completion
	NotifyProvisioned(ctx context.Context, rentalID, email string) error
	NotifyProvisionFailed(ctx context.Context, rentalID, email string) error
	CompleteUpdate(ctx context.Context, rentalID string) error
	FailUpdate(ctx context.Context, rentalID string) error
	Deprovision(ctx context.Context, rentalID, email string) ([]string, error)
	FinalizeDeprovision(ctx context.Context, rentalID string) error
}

// Default polling settings.
const (
	DefaultPollInterval    = 15 * time.Second
	DefaultMaxPollInterval = 2 * time.Minute
	DefaultTimeout         = 2 * time.Hour
)

// Runner executes workflows in process, polling completion checks with
// backoff.
type Runner struct {
	steps           Steps
	pollInterval    time.Duration
	maxPollInterval time.Duration
	timeout         time.Duration
	metrics         *metrics.Metrics
	logger          *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithPolling sets the initial and maximum poll interval.
func WithPolling(interval, maxInterval time.Duration) RunnerOption {
	return func(r *Runner) {
		r.pollInterval = interval
		r.maxPollInterval = maxInterval
	}
}

// WithTimeout bounds how long a single wait step polls.
func WithTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.timeout = d }
}

// WithMetrics records step outcomes.
func WithMetrics(m *metrics.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// NewRunner creates a Runner over steps.
func NewRunner(steps Steps, opts ...RunnerOption) *Runner {
	r := &Runner{
		steps:           steps,
		pollInterval:    DefaultPollInterval,
		maxPollInterval: DefaultMaxPollInterval,
		timeout:         DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.Ensure(r.logger).With("component", "workflow")
	return r
}

// Run executes the named workflow to completion.
func (r *Runner) Run(ctx context.Context, name string, in Input) error {
	if err := validName(name); err != nil {
		return err
	}
	switch name {
	case Provision:
		return r.provision(ctx, in)
	case Update:
		return r.update(ctx, in)
	default:
		return r.cleanup(ctx, in)
	}
}

func (r *Runner) provision(ctx context.Context, in Input) error {
	wait := r.audited("wait", in, r.poll(func(ctx context.Context) domain.Completion {
		return r.steps.CheckComplete(ctx, in.RentalID, in.OperationID, true)
	}))
	if err := wait(ctx); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return r.audited("notifyFailure", in, func(ctx context.Context) error {
			return r.steps.NotifyProvisionFailed(ctx, in.RentalID, in.Email)
		})(ctx)
	}
	return r.audited("notifySuccess", in, func(ctx context.Context) error {
		return r.steps.NotifyProvisioned(ctx, in.RentalID, in.Email)
	})(ctx)
}

func (r *Runner) update(ctx context.Context, in Input) error {
	wait := r.audited("waitForUpdateCompletion", in, r.poll(func(ctx context.Context) domain.Completion {
		return r.steps.CheckUpdateComplete(ctx, in.RentalID, in.UpdateLevel, in.OperationID)
	}))
	if err := wait(ctx); err != nil {
		failErr := r.audited("updateFailure", in, func(ctx context.Context) error {
			return r.steps.FailUpdate(ctx, in.RentalID)
		})(ctx)
		return errors.Join(err, failErr)
	}
	return r.audited("updateComplete", in, func(ctx context.Context) error {
		return r.steps.CompleteUpdate(ctx, in.RentalID)
	})(ctx)
}

func (r *Runner) cleanup(ctx context.Context, in Input) error {
	var operationIDs []string
	err := r.audited("cleanupStart", in, func(ctx context.Context) error {
		var err error
		operationIDs, err = r.steps.Deprovision(ctx, in.RentalID, in.Email)
		return err
	})(ctx)
	if err != nil {
		return err
	}

	for _, opID := range operationIDs {
		step := in
		step.OperationID = opID
		wait := r.audited("wait", step, r.poll(func(ctx context.Context) domain.Completion {
			return r.steps.CheckComplete(ctx, in.RentalID, opID, false)
		}))
		if err := wait(ctx); err != nil {
			return err
		}
	}

	return r.audited("cleanupComplete", in, func(ctx context.Context) error {
		return r.steps.FinalizeDeprovision(ctx, in.RentalID)
	})(ctx)
}

// poll turns a completion check into a step that retries while the check
// is in progress.
func (r *Runner) poll(check func(context.Context) domain.Completion) func(context.Context) error {
	return func(ctx context.Context) error {
		backoff := retry.NewExponential(r.pollInterval)
		backoff = retry.WithCappedDuration(r.maxPollInterval, backoff)
		backoff = retry.WithMaxDuration(r.timeout, backoff)

		return retry.Do(ctx, backoff, func(ctx context.Context) error {
			c := check(ctx)
			switch c.State {
			case domain.InProgress:
				r.logger.Debug("operation in progress", "reason", c.Reason)
				return retry.RetryableError(c.AsError())
			case domain.Failed:
				return c.Err
			}
			return nil
		})
	}
}

// audited wraps a step so its input and outcome are logged. The error is
// returned unchanged.
func (r *Runner) audited(step string, in Input, fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		started := time.Now()
		r.logger.Info("step started", "step", step, "rental_id", in.RentalID, "operation_id", in.OperationID)

		err := fn(ctx)

		r.metrics.ObserveWorkflow(step, metrics.Outcome(err))
		if err != nil {
			r.logger.Error("step failed", "step", step, "rental_id", in.RentalID,
				"duration", time.Since(started), "error", err)
			return err
		}
		r.logger.Info("step finished", "step", step, "rental_id", in.RentalID, "duration", time.Since(started))
		return nil
	}
}
