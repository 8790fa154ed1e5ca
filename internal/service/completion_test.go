package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/bcnelson/instance-rental/internal/cloud"
	"github.com/bcnelson/instance-rental/internal/domain"
)

func TestCheckCompleteIsReadOnlyWhileRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	result, err := f.rentals.Create(ctx, alice, f.request())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	before := f.record(t, result.RentalID)

	for i := 0; i < 3; i++ {
		c := f.rentals.CheckComplete(ctx, result.RentalID, result.OperationID, true)
		if c.State != domain.InProgress {
			t.Fatalf("Expected in progress, got %s", c)
		}
		if !domain.IsKind(c.AsError(), domain.KindInProgress) {
			t.Errorf("Expected retry signal, got %v", c.AsError())
		}
	}
	after := f.record(t, result.RentalID)
	if !after.UpdatedAt.Equal(before.UpdatedAt) || after.StackStatus != before.StackStatus {
		t.Error("Expected CheckComplete not to write the record")
	}

	f.cloud.Settle()
	if c := f.rentals.CheckComplete(ctx, result.RentalID, result.OperationID, true); c.State != domain.Complete {
		t.Errorf("Expected complete after settle, got %s", c)
	}
}

func TestCheckCompleteFailedOperation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	result, err := f.rentals.Create(ctx, alice, f.request())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := f.cloud.SetOperationStatus(result.RentalID, result.OperationID, domain.OperationFailed); err != nil {
		t.Fatalf("SetOperationStatus failed: %v", err)
	}

	c := f.rentals.CheckComplete(ctx, result.RentalID, result.OperationID, true)
	if c.State != domain.Failed || c.Err == nil {
		t.Errorf("Expected failed, got %s", c)
	}
}

func TestCheckCompleteFailedMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, alice, 48*time.Hour)
	if err := f.cloud.SetMemberStatus(id, "OUTDATED", domain.DetailedStatusFailed); err != nil {
		t.Fatalf("SetMemberStatus failed: %v", err)
	}

	if c := f.rentals.CheckComplete(ctx, id, "", true); c.State != domain.Failed {
		t.Errorf("Expected failed member to fail the check, got %s", c)
	}
}

func TestCheckCompleteWithoutOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.cloud.CreateStackSet(ctx, cloud.CreateStackSetInput{Name: "empty"})
	if err != nil {
		t.Fatalf("CreateStackSet failed: %v", err)
	}

	c := f.rentals.CheckComplete(ctx, id, "", true)
	if c.State != domain.Failed || !domain.IsKind(c.Err, domain.KindInvalidApplicationState) {
		t.Errorf("Expected InvalidApplicationState failure, got %s", c)
	}
	if c := f.rentals.CheckComplete(ctx, id, "", false); c.State != domain.Complete {
		t.Errorf("Expected nothing to wait for, got %s", c)
	}
}

func TestCheckUpdateComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, alice, 48*time.Hour)

	result, err := f.rentals.Update(ctx, alice, id, domain.UpdateRentalRequest{InstanceType: "t3.small"})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	opID := result.OperationIDs[0]
	if c := f.rentals.CheckUpdateComplete(ctx, id, domain.UpdateLevelStackSet, opID); c.State != domain.InProgress {
		t.Fatalf("Expected in progress, got %s", c)
	}

	f.cloud.Settle()
	if c := f.rentals.CheckUpdateComplete(ctx, id, domain.UpdateLevelStackSet, opID); c.State != domain.Complete {
		t.Fatalf("Expected complete, got %s", c)
	}
	if err := f.rentals.CompleteUpdate(ctx, id); err != nil {
		t.Fatalf("CompleteUpdate failed: %v", err)
	}
	r := f.record(t, id)
	if r.InstanceType != "t3.small" || r.StackStatus != domain.StackStatusActive || r.InstanceStatus != domain.InstanceStatusRunning {
		t.Errorf("Expected active running t3.small, got %s %s %s", r.StackStatus, r.InstanceStatus, r.InstanceType)
	}
}

func TestCheckUpdateCompleteSharedReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, alice, 48*time.Hour)
	inst, _ := f.cloud.InstanceFor(id)
	f.cloud.AttachSibling(inst.ID, cloud.Instance{ID: "i-sibling"})

	c := f.rentals.CheckUpdateComplete(ctx, id, domain.UpdateLevelInstance, "")
	if c.State != domain.Failed || !domain.IsKind(c.Err, domain.KindInvalidApplicationState) {
		t.Errorf("Expected InvalidApplicationState failure, got %s", c)
	}
}
