package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bcnelson/instance-rental/internal/cloud"
	"github.com/bcnelson/instance-rental/internal/domain"
	"github.com/bcnelson/instance-rental/internal/service"
	"github.com/bcnelson/instance-rental/internal/workflow"
)

func TestCreateEnforcesInstanceQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var last string
	for i := 0; i < 5; i++ {
		result, err := f.rentals.Create(ctx, alice, f.request())
		if err != nil {
			t.Fatalf("Create %d failed: %v", i+1, err)
		}
		last = result.RentalID
	}
	if r := f.record(t, last); r.ExtensionCount != 0 || r.StackStatus != domain.StackStatusProvisioning {
		t.Errorf("Expected fresh provisioning record, got count %d status %s", r.ExtensionCount, r.StackStatus)
	}

	_, err := f.rentals.Create(ctx, alice, f.request())
	if !domain.IsKind(err, domain.KindInvalidArguments) {
		t.Fatalf("Expected InvalidArguments, got %v", err)
	}
	if !strings.Contains(err.Error(), "You already own 5 instances.") {
		t.Errorf("Unexpected message: %v", err)
	}
	if got := len(f.trigger.named(workflow.Provision)); got != 5 {
		t.Errorf("Expected 5 provision workflows, got %d", got)
	}
}

func TestCreateRecordsLinkageAndParameters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.rentals.Create(ctx, alice, f.request())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if result.OperationID == "" || result.ExecutionID == "" {
		t.Errorf("Expected operation and execution ids, got %+v", result)
	}
	if !strings.HasPrefix(result.RentalID, "rental-stackset-") {
		t.Errorf("Expected project prefixed stack set name, got %s", result.RentalID)
	}

	r := f.record(t, result.RentalID)
	if r.Email != alice.Email || r.Username != alice.Username {
		t.Errorf("Expected owner defaulted from caller, got %s/%s", r.Email, r.Username)
	}
	if r.AvailabilityZone != "az1" && r.AvailabilityZone != "az2" {
		t.Errorf("Expected a known zone, got %q", r.AvailabilityZone)
	}
	if r.ConnectionProtocol != "ssh" || r.InstanceID != "" {
		t.Errorf("Unexpected linkage: protocol %q instance %q", r.ConnectionProtocol, r.InstanceID)
	}

	ss, err := f.cloud.DescribeStackSet(ctx, result.RentalID)
	if err != nil {
		t.Fatalf("DescribeStackSet failed: %v", err)
	}
	params := cloud.ParameterMap(ss.Parameters)
	if params[cloud.ParamTagValueOne] != alice.Email || params[cloud.ParamTagValueTwo] != "private" {
		t.Errorf("Expected evaluated tags, got %q and %q", params[cloud.ParamTagValueOne], params[cloud.ParamTagValueTwo])
	}
	if params[cloud.ParamSubnetID] != "" || params[cloud.ParamAMI] != "ami-1" {
		t.Errorf("Expected empty subnet and ami-1, got %q and %q", params[cloud.ParamSubnetID], params[cloud.ParamAMI])
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		caller *domain.Identity
		modify func(*domain.CreateRentalRequest)
		kind   domain.Kind
	}{
		{
			name:   "group not held",
			caller: alice,
			modify: func(r *domain.CreateRentalRequest) { r.Group = "public" },
			kind:   domain.KindPermissionsMissing,
		},
		{
			name:   "on behalf of another user",
			caller: alice,
			modify: func(r *domain.CreateRentalRequest) { r.Email = bob.Email; r.Username = bob.Username },
			kind:   domain.KindInvalidArguments,
		},
		{
			name:   "instance type not allowed",
			caller: alice,
			modify: func(r *domain.CreateRentalRequest) { r.InstanceType = "m5.24xlarge" },
			kind:   domain.KindInvalidArguments,
		},
		{
			name:   "expiry too soon",
			caller: alice,
			modify: func(r *domain.CreateRentalRequest) { r.Expiry = start.Add(time.Hour) },
			kind:   domain.KindInvalidArguments,
		},
		{
			name:   "region not granted",
			caller: alice,
			modify: func(r *domain.CreateRentalRequest) { r.Region = "eu-west-1" },
			kind:   domain.KindInvalidArguments,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.request()
			tt.modify(&req)
			_, err := f.rentals.Create(ctx, tt.caller, req)
			if !domain.IsKind(err, tt.kind) {
				t.Errorf("Expected kind %s, got %v", tt.kind.Code(), err)
			}
		})
	}

	superReq := f.request()
	superReq.Email = bob.Email
	superReq.Username = bob.Username
	if _, err := f.rentals.Create(ctx, admin, superReq); err != nil {
		t.Errorf("Expected superuser to create on behalf of bob, got %v", err)
	}
}

func TestExtend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, alice, 48*time.Hour)
	before := f.record(t, id)

	result, err := f.rentals.Extend(ctx, alice, id)
	if err != nil {
		t.Fatalf("Extend failed: %v", err)
	}
	after := f.record(t, id)
	if !after.Expiry.Equal(before.Expiry.Add(24 * time.Hour)) {
		t.Errorf("Expected expiry %v, got %v", before.Expiry.Add(24*time.Hour), after.Expiry)
	}
	if after.ExtensionCount != 1 {
		t.Errorf("Expected extension count 1, got %d", after.ExtensionCount)
	}
	if !result.CanExtend {
		t.Error("Expected can_extend after first extension")
	}

	result, err = f.rentals.Extend(ctx, alice, id)
	if err != nil {
		t.Fatalf("second Extend failed: %v", err)
	}
	if result.CanExtend {
		t.Error("Expected can_extend false at the limit")
	}

	atLimit := f.record(t, id)
	_, err = f.rentals.Extend(ctx, alice, id)
	if !domain.IsKind(err, domain.KindInstanceUpdate) {
		t.Fatalf("Expected InstanceUpdate error, got %v", err)
	}
	if !strings.Contains(err.Error(), "more than 2 times") {
		t.Errorf("Unexpected message: %v", err)
	}
	unchanged := f.record(t, id)
	if !unchanged.Expiry.Equal(atLimit.Expiry) || unchanged.ExtensionCount != atLimit.ExtensionCount {
		t.Errorf("Expected no mutation, got expiry %v count %d", unchanged.Expiry, unchanged.ExtensionCount)
	}

	if _, err := f.rentals.Extend(ctx, admin, id); err != nil {
		t.Fatalf("Expected superuser to extend past the limit, got %v", err)
	}
	if got := f.record(t, id).ExtensionCount; got != 3 {
		t.Errorf("Expected extension count 3, got %d", got)
	}
}

func TestDeleteRequiresOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, alice, 48*time.Hour)
	before := f.record(t, id)

	_, err := f.rentals.Delete(ctx, bob, id)
	if !domain.IsKind(err, domain.KindUnauthorizedForInstance) {
		t.Fatalf("Expected UnauthorizedForInstance, got %v", err)
	}
	after := f.record(t, id)
	if after.StackStatus != before.StackStatus || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("Expected record untouched, got status %s", after.StackStatus)
	}
	if got := len(f.trigger.named(workflow.Cleanup)); got != 0 {
		t.Errorf("Expected no cleanup workflow, got %d", got)
	}

	if _, err := f.rentals.Delete(ctx, bob, "missing"); !domain.IsKind(err, domain.KindUnauthorizedForInstance) {
		t.Errorf("Expected UnauthorizedForInstance for unknown id, got %v", err)
	}
	if _, err := f.rentals.Delete(ctx, admin, "missing"); !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("Expected NotFound for superuser, got %v", err)
	}
}

func TestDeleteHandsOffToCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, alice, 48*time.Hour)

	if _, err := f.rentals.Delete(ctx, alice, id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	r := f.record(t, id)
	if r.StackStatus != domain.StackStatusDeleting || r.InstanceStatus != domain.InstanceStatusShuttingDown {
		t.Errorf("Expected deleting/shutting-down, got %s/%s", r.StackStatus, r.InstanceStatus)
	}
	cleanups := f.trigger.named(workflow.Cleanup)
	if len(cleanups) != 1 || cleanups[0].RentalID != id || cleanups[0].Email != alice.Email {
		t.Errorf("Expected one cleanup for %s, got %+v", id, cleanups)
	}
}

func TestListAndGet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, alice, 48*time.Hour)
	f.create(t, bob, 48*time.Hour)

	mine, err := f.rentals.List(ctx, alice)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(mine) != 1 || mine[0].RentalID != id {
		t.Fatalf("Expected only alice's rental, got %d entries", len(mine))
	}
	got := mine[0]
	if got.InstanceID == nil || got.PrivateIP == nil || got.InstanceStatus == nil {
		t.Fatalf("Expected linked instance, got %+v", got)
	}
	if *got.InstanceStatus != domain.InstanceStatusRunning {
		t.Errorf("Expected running, got %s", *got.InstanceStatus)
	}
	if !got.CanExtend || len(got.AvailableInstanceTypes) != 2 {
		t.Errorf("Expected can_extend and two types, got %v %v", got.CanExtend, got.AvailableInstanceTypes)
	}

	all, err := f.rentals.List(ctx, admin)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected superuser to see 2 rentals, got %d", len(all))
	}

	single, err := f.rentals.Get(ctx, alice, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if single.StackStatus != "CREATE_COMPLETE" {
		t.Errorf("Expected CREATE_COMPLETE, got %s", single.StackStatus)
	}
}

func TestListPartiallyInitialized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.rentals.Create(ctx, alice, f.request()); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	list, err := f.rentals.List(ctx, alice)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(list))
	}
	if list[0].InstanceID != nil || list[0].PrivateIP != nil || list[0].InstanceStatus != nil {
		t.Errorf("Expected no instance data while provisioning, got %+v", list[0])
	}
	if list[0].StackStatus != "CREATE_IN_PROGRESS" {
		t.Errorf("Expected CREATE_IN_PROGRESS, got %s", list[0].StackStatus)
	}
}

func TestListRejectsSharedReservation(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, alice, 48*time.Hour)
	inst, ok := f.cloud.InstanceFor(id)
	if !ok {
		t.Fatal("Expected a launched instance")
	}
	f.cloud.AttachSibling(inst.ID, cloud.Instance{ID: "i-sibling", State: domain.InstanceStatusRunning})

	_, err := f.rentals.List(context.Background(), alice)
	if !domain.IsKind(err, domain.KindInvalidApplicationState) {
		t.Errorf("Expected InvalidApplicationState, got %v", err)
	}
}

func TestUpdateInstanceType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, alice, 48*time.Hour)

	if _, err := f.rentals.Update(ctx, alice, id, domain.UpdateRentalRequest{InstanceType: "m5.large"}); !domain.IsKind(err, domain.KindInvalidArguments) {
		t.Fatalf("Expected InvalidArguments for disallowed type, got %v", err)
	}

	result, err := f.rentals.Update(ctx, alice, id, domain.UpdateRentalRequest{InstanceType: "t3.small"})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if len(result.OperationIDs) != 1 {
		t.Fatalf("Expected one operation id, got %v", result.OperationIDs)
	}
	r := f.record(t, id)
	if r.StackStatus != domain.StackStatusUpdating || r.InstanceStatus != domain.InstanceStatusPending {
		t.Errorf("Expected updating/pending, got %s/%s", r.StackStatus, r.InstanceStatus)
	}

	ss, err := f.cloud.DescribeStackSet(ctx, id)
	if err != nil {
		t.Fatalf("DescribeStackSet failed: %v", err)
	}
	params := cloud.ParameterMap(ss.Parameters)
	if params[cloud.ParamInstanceType] != "t3.small" || params[cloud.ParamAMI] != "ami-1" {
		t.Errorf("Expected type changed and previous values kept, got %v", params)
	}

	updates := f.trigger.named(workflow.Update)
	if len(updates) != 1 || updates[0].UpdateLevel != domain.UpdateLevelStackSet || updates[0].OperationID != result.OperationIDs[0] {
		t.Errorf("Expected one stack set level update workflow, got %+v", updates)
	}
}

func TestStopStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, alice, 48*time.Hour)

	if _, err := f.rentals.Stop(ctx, bob, id); !domain.IsKind(err, domain.KindUnauthorizedForInstance) {
		t.Fatalf("Expected UnauthorizedForInstance, got %v", err)
	}
	if _, err := f.rentals.Stop(ctx, alice, id); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if r := f.record(t, id); r.InstanceStatus != domain.InstanceStatusStopping {
		t.Errorf("Expected stopping, got %s", r.InstanceStatus)
	}
	if c := f.rentals.CheckUpdateComplete(ctx, id, domain.UpdateLevelInstance, ""); c.State != domain.InProgress {
		t.Errorf("Expected in progress while stopping, got %s", c)
	}

	f.cloud.Settle()
	if c := f.rentals.CheckUpdateComplete(ctx, id, domain.UpdateLevelInstance, ""); c.State != domain.Complete {
		t.Fatalf("Expected complete once stopped, got %s", c)
	}
	if err := f.rentals.CompleteUpdate(ctx, id); err != nil {
		t.Fatalf("CompleteUpdate failed: %v", err)
	}
	r := f.record(t, id)
	if r.StackStatus != domain.StackStatusActive || r.InstanceStatus != domain.InstanceStatusStopped {
		t.Errorf("Expected active/stopped, got %s/%s", r.StackStatus, r.InstanceStatus)
	}

	if _, err := f.rentals.Start(ctx, alice, id); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if inst, _ := f.cloud.InstanceFor(id); inst.State != domain.InstanceStatusPending {
		t.Errorf("Expected pending, got %s", inst.State)
	}
}

func TestParams(t *testing.T) {
	f := newFixture(t)
	params, err := f.rentals.Params(context.Background(), alice)
	if err != nil {
		t.Fatalf("Params failed: %v", err)
	}
	if params.MaxInstanceCount != 5 {
		t.Errorf("Expected max instance count 5, got %d", params.MaxInstanceCount)
	}
	offered := params.OfferedInstanceTypes[account][location]
	if len(offered) != 2 {
		t.Errorf("Expected 2 offered types, got %v", offered)
	}
}

func TestDeleteRestoresStatusWhenCleanupCannotStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, alice, 48*time.Hour)
	before := f.record(t, id)

	f.rentals.SetTrigger(failingTrigger{err: errors.New("sfn unavailable")})
	result, err := f.rentals.Delete(ctx, alice, id)
	if err == nil {
		t.Fatalf("Expected error when the cleanup workflow cannot start, got %+v", result)
	}
	if _, ok := domain.KindOf(err); ok {
		t.Errorf("Expected an unclassified error, got %v", err)
	}
	after := f.record(t, id)
	if after.StackStatus != before.StackStatus || after.InstanceStatus != before.InstanceStatus {
		t.Errorf("Expected %s/%s restored, got %s/%s", before.StackStatus, before.InstanceStatus, after.StackStatus, after.InstanceStatus)
	}
}

func TestCreateFailsWhenProvisioningCannotStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rentals.SetTrigger(failingTrigger{err: errors.New("sfn unavailable")})

	result, err := f.rentals.Create(ctx, alice, f.request())
	if err == nil {
		t.Fatalf("Expected error when the provisioning workflow cannot start, got %+v", result)
	}
	if !strings.Contains(err.Error(), "sfn unavailable") {
		t.Errorf("Expected cause in error, got %v", err)
	}
	if len(f.alerter.alerts) != 1 || !strings.HasPrefix(f.alerter.alerts[0], "Provisioning workflow for stackset ") {
		t.Errorf("Expected one operator alert, got %v", f.alerter.alerts)
	}

	// The record remains so the owner can still delete it.
	records, err := f.store.ListRentals(ctx, domain.RentalFilter{})
	if err != nil {
		t.Fatalf("ListRentals failed: %v", err)
	}
	if len(records) != 1 || records[0].StackStatus != domain.StackStatusProvisioning {
		t.Fatalf("Expected one provisioning record, got %+v", records)
	}
	f.rentals.SetTrigger(f.trigger)
	if _, err := f.rentals.Delete(ctx, alice, records[0].ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if got := f.trigger.named(workflow.Cleanup); len(got) != 1 || got[0].RentalID != records[0].ID {
		t.Errorf("Expected cleanup of %s, got %+v", records[0].ID, got)
	}
}

func TestUpdateRestoresStatusOnProviderError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, alice, 48*time.Hour)
	before := f.record(t, id)

	f.cloud.FailCall("UpdateStackSet", errors.New("throttled"))
	if _, err := f.rentals.Update(ctx, alice, id, domain.UpdateRentalRequest{InstanceType: "t3.small"}); err == nil {
		t.Fatal("Expected error from a failing provider")
	}
	after := f.record(t, id)
	if after.StackStatus != before.StackStatus || after.InstanceStatus != before.InstanceStatus {
		t.Errorf("Expected %s/%s restored, got %s/%s", before.StackStatus, before.InstanceStatus, after.StackStatus, after.InstanceStatus)
	}
	if got := len(f.trigger.named(workflow.Update)); got != 0 {
		t.Errorf("Expected no update workflow, got %d", got)
	}

	f.cloud.FailCall("UpdateStackSet", nil)
	f.rentals.SetTrigger(failingTrigger{err: errors.New("sfn unavailable")})
	if _, err := f.rentals.Update(ctx, alice, id, domain.UpdateRentalRequest{InstanceType: "t3.small"}); err == nil {
		t.Fatal("Expected error when the update workflow cannot start")
	}
	if r := f.record(t, id); r.StackStatus != before.StackStatus || r.InstanceStatus != before.InstanceStatus {
		t.Errorf("Expected %s/%s restored, got %s/%s", before.StackStatus, before.InstanceStatus, r.StackStatus, r.InstanceStatus)
	}
}

func TestStopRestoresStatusOnProviderError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, alice, 48*time.Hour)
	before := f.record(t, id)

	f.cloud.FailCall("StopInstance", errors.New("throttled"))
	if _, err := f.rentals.Stop(ctx, alice, id); err == nil {
		t.Fatal("Expected error from a failing provider")
	}
	after := f.record(t, id)
	if after.StackStatus != before.StackStatus || after.InstanceStatus != before.InstanceStatus {
		t.Errorf("Expected %s/%s restored, got %s/%s", before.StackStatus, before.InstanceStatus, after.StackStatus, after.InstanceStatus)
	}
	if inst, _ := f.cloud.InstanceFor(id); inst.State != domain.InstanceStatusRunning {
		t.Errorf("Expected instance still running, got %s", inst.State)
	}
}

func TestInstanceDetailsEmptyStatusesDisableFiltering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, alice, 48*time.Hour)
	record := f.record(t, id)
	reconciler := f.rentals.Reconciler()

	details, err := reconciler.InstanceDetails(ctx, []*domain.RentalRecord{record}, service.DetailOptions{AcceptableStatuses: []string{}})
	if err != nil {
		t.Fatalf("InstanceDetails failed: %v", err)
	}
	if len(details) != 1 {
		t.Errorf("Expected 1 member with an empty status filter, got %d", len(details))
	}

	details, err = reconciler.InstanceDetails(ctx, []*domain.RentalRecord{record}, service.DetailOptions{AcceptableStatuses: []string{"DELETE_COMPLETE"}})
	if err != nil {
		t.Fatalf("InstanceDetails failed: %v", err)
	}
	if len(details) != 0 {
		t.Errorf("Expected no members outside DELETE_COMPLETE, got %d", len(details))
	}
}
