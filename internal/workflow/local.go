package workflow

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/bcnelson/instance-rental/internal/logging"
)

// LocalTrigger runs workflows on goroutines of the current process.
type LocalTrigger struct {
	ctx    context.Context
	runner *Runner
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewLocalTrigger creates a LocalTrigger. Executions are bound to ctx, not
// to the context of the call that started them.
func NewLocalTrigger(ctx context.Context, runner *Runner, logger *slog.Logger) *LocalTrigger {
	return &LocalTrigger{
		ctx:    ctx,
		runner: runner,
		logger: logging.Ensure(logger).With("component", "local-trigger"),
	}
}

// Start launches the workflow and returns immediately.
func (t *LocalTrigger) Start(ctx context.Context, name string, in Input) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	executionID := uuid.NewString()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.runner.Run(t.ctx, name, in); err != nil {
			t.logger.Error("workflow failed", "workflow", name, "execution_id", executionID, "rental_id", in.RentalID, "error", err)
			return
		}
		t.logger.Info("workflow finished", "workflow", name, "execution_id", executionID, "rental_id", in.RentalID)
	}()
	return executionID, nil
}

// Wait blocks until every started execution has returned.
func (t *LocalTrigger) Wait() {
	t.wg.Wait()
}
