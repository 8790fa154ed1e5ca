package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/bcnelson/instance-rental/internal/domain"
	"github.com/bcnelson/instance-rental/internal/notify"
	"github.com/bcnelson/instance-rental/internal/workflow"
)

// settleContinuously completes cloud operations until the returned func is
// called.
func settleContinuously(f *fixture) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			select {
			case <-done:
				return
			case <-time.After(time.Millisecond):
				f.cloud.Settle()
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func TestRentalLifecycleThroughLocalWorkflows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runner := workflow.NewRunner(f.rentals,
		workflow.WithPolling(time.Millisecond, 5*time.Millisecond),
		workflow.WithTimeout(5*time.Second),
	)
	trigger := workflow.NewLocalTrigger(ctx, runner, nil)
	f.rentals.SetTrigger(trigger)
	stop := settleContinuously(f)
	defer stop()

	result, err := f.rentals.Create(ctx, alice, f.request())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	trigger.Wait()

	r := f.record(t, result.RentalID)
	if r.StackStatus != domain.StackStatusActive || !r.Linked() {
		t.Fatalf("Expected active linked rental, got %+v", r)
	}
	if subjects := f.notifier.subjects(); len(subjects) != 1 || subjects[0] != notify.SubjectProvisioned {
		t.Errorf("Expected provisioned mail, got %v", subjects)
	}

	if _, err := f.rentals.Delete(ctx, alice, result.RentalID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	trigger.Wait()

	if _, err := f.store.GetRental(ctx, result.RentalID); err != domain.ErrNotFound {
		t.Errorf("Expected record removed, got %v", err)
	}
	if f.cloud.HasStackSet(result.RentalID) {
		t.Error("Expected stack set removed")
	}
}
