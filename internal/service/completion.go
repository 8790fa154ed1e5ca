package service

import (
	"context"
	"fmt"
	"slices"

	"github.com/bcnelson/instance-rental/internal/cloud"
	"github.com/bcnelson/instance-rental/internal/domain"
)

var unfinishedOperations = []string{domain.OperationQueued, domain.OperationRunning, domain.OperationStopping}

// CheckComplete polls a stack set operation and its members. It never
// writes and may be called any number of times.
func (s *Rentals) CheckComplete(ctx context.Context, rentalID, operationID string, errorIfNoOperations bool) domain.Completion {
	c := s.checkComplete(ctx, rentalID, operationID, errorIfNoOperations)
	s.metrics.ObserveCompletion("provision", c.State.String())
	return c
}

func (s *Rentals) checkComplete(ctx context.Context, rentalID, operationID string, errorIfNoOperations bool) domain.Completion {
	if c := s.checkOperations(ctx, rentalID, operationID, errorIfNoOperations); c.State != domain.Complete {
		return c
	}

	members, err := s.cloud.ListStackInstances(ctx, rentalID)
	if err != nil {
		return domain.Failure(fmt.Errorf("listing stack instances of %s: %w", rentalID, err))
	}
	return memberCompletion(rentalID, members)
}

func (s *Rentals) checkOperations(ctx context.Context, rentalID, operationID string, errorIfNoOperations bool) domain.Completion {
	var ops []cloud.Operation
	if operationID != "" {
		op, err := s.cloud.DescribeOperation(ctx, rentalID, operationID)
		if err != nil {
			return domain.Failure(fmt.Errorf("describing operation %s of %s: %w", operationID, rentalID, err))
		}
		ops = []cloud.Operation{*op}
	} else {
		listed, err := s.cloud.ListOperations(ctx, rentalID)
		if err != nil {
			return domain.Failure(fmt.Errorf("listing operations of %s: %w", rentalID, err))
		}
		if len(listed) == 0 && errorIfNoOperations {
			return domain.Failure(domain.Errorf(domain.KindInvalidApplicationState, "no operations found for stack set %s", rentalID))
		}
		ops = listed
	}

	for _, op := range ops {
		if slices.Contains(unfinishedOperations, op.Status) {
			return domain.Pending("operation %s is %s", op.ID, op.Status)
		}
	}
	for _, op := range ops {
		if op.Status == domain.OperationFailed || op.Status == domain.OperationStopped {
			return domain.Failure(domain.Errorf(domain.KindInvalidApplicationState,
				"operation %s on stack set %s ended %s: %s", op.ID, rentalID, op.Status, op.StatusReason))
		}
	}
	return domain.Done()
}

func memberCompletion(rentalID string, members []cloud.StackInstance) domain.Completion {
	for _, m := range members {
		switch m.DetailedStatus {
		case domain.DetailedStatusFailed, domain.DetailedStatusCancelled:
			return domain.Failure(domain.Errorf(domain.KindInvalidApplicationState,
				"stack instance of %s in %s is %s: %s", rentalID, domain.RegionKey(m.Account, m.Region), m.DetailedStatus, m.StatusReason))
		}
	}
	for _, m := range members {
		if m.Status != domain.StackInstanceCurrent || m.DetailedStatus != domain.DetailedStatusSucceeded {
			return domain.Pending("stack instance in %s is %s/%s", domain.RegionKey(m.Account, m.Region), m.Status, m.DetailedStatus)
		}
	}
	return domain.Done()
}

// CheckUpdateComplete polls an update until the live instance has settled.
// At instance level the operation checks are skipped.
func (s *Rentals) CheckUpdateComplete(ctx context.Context, rentalID string, level domain.UpdateLevel, operationID string) domain.Completion {
	c := s.checkUpdateComplete(ctx, rentalID, level, operationID)
	s.metrics.ObserveCompletion("update", c.State.String())
	return c
}

func (s *Rentals) checkUpdateComplete(ctx context.Context, rentalID string, level domain.UpdateLevel, operationID string) domain.Completion {
	if level != domain.UpdateLevelInstance {
		if c := s.checkOperations(ctx, rentalID, operationID, false); c.State != domain.Complete {
			return c
		}
	}

	members, err := s.cloud.ListStackInstances(ctx, rentalID)
	if err != nil {
		return domain.Failure(fmt.Errorf("listing stack instances of %s: %w", rentalID, err))
	}
	if len(members) != 1 {
		return domain.Failure(domain.Errorf(domain.KindInvalidApplicationState,
			"expected one stack instance for %s, found %d", rentalID, len(members)))
	}
	if c := memberCompletion(rentalID, members); c.State != domain.Complete {
		return c
	}
	m := members[0]

	stack, err := s.cloud.DescribeStack(ctx, m.Account, m.Region, m.StackID)
	if err != nil {
		return domain.Failure(fmt.Errorf("describing stack of %s: %w", rentalID, err))
	}
	instanceID := stack.Outputs[cloud.OutputInstanceID]
	if instanceID == "" {
		return domain.Pending("stack of %s has no instance output yet", rentalID)
	}

	reservations, err := s.cloud.DescribeInstances(ctx, m.Account, m.Region, []string{instanceID})
	if err != nil {
		return domain.Failure(fmt.Errorf("describing instance %s: %w", instanceID, err))
	}
	var instances []cloud.Instance
	for _, res := range reservations {
		instances = append(instances, res.Instances...)
	}
	if len(instances) != 1 {
		return domain.Failure(domain.Errorf(domain.KindInvalidApplicationState,
			"expected one instance for %s, found %d", rentalID, len(instances)))
	}

	switch instances[0].State {
	case domain.InstanceStatusRunning, domain.InstanceStatusStopped:
		return domain.Done()
	}
	return domain.Pending("instance %s is %s", instanceID, instances[0].State)
}
