package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bcnelson/instance-rental/internal/domain"
)

// AdminResult reports what an admin batch touched.
type AdminResult struct {
	Processed []string
	Skipped   []string
}

// CleanupOrphans deletes up to limit stack sets that no longer have any
// members, together with their records. Stack sets that still have
// members are skipped.
func (s *Rentals) CleanupOrphans(ctx context.Context, limit int, dryRun bool) (*AdminResult, error) {
	records, err := s.store.ListRentals(ctx, domain.RentalFilter{})
	if err != nil {
		return nil, fmt.Errorf("listing rentals: %w", err)
	}
	if limit >= 0 && len(records) > limit {
		records = records[:limit]
	}

	result := &AdminResult{}
	for _, record := range records {
		members, err := s.cloud.ListStackInstances(ctx, record.ID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return result, fmt.Errorf("listing stack instances of %s: %w", record.ID, err)
		}
		if len(members) != 0 {
			s.logger.Warn("stack set still has instances", "rental_id", record.ID, "instances", len(members))
			result.Skipped = append(result.Skipped, record.ID)
			continue
		}

		s.logger.Info("removing stack set", "rental_id", record.ID, "dry_run", dryRun)
		result.Processed = append(result.Processed, record.ID)
		if dryRun {
			continue
		}
		if err := s.FinalizeDeprovision(ctx, record.ID); err != nil {
			return result, err
		}
	}
	return result, nil
}

// Migrate back-fills linkage fields of up to limit records from live
// infrastructure. Records with an empty instance status are selected, or
// those in the "error" state when stateError is set.
func (s *Rentals) Migrate(ctx context.Context, limit int, stateError, dryRun bool) (*AdminResult, error) {
	records, err := s.store.ListRentals(ctx, domain.RentalFilter{})
	if err != nil {
		return nil, fmt.Errorf("listing rentals: %w", err)
	}

	var selected []*domain.RentalRecord
	for _, r := range records {
		if (stateError && r.InstanceStatus == "error") || (!stateError && r.InstanceStatus == "") {
			selected = append(selected, r)
		}
	}
	if limit >= 0 && len(selected) > limit {
		selected = selected[:limit]
	}

	result := &AdminResult{}
	for _, record := range selected {
		details, err := s.reconciler.InstanceDetails(ctx, []*domain.RentalRecord{record}, DetailOptions{})
		if err != nil {
			return result, fmt.Errorf("reconciling %s: %w", record.ID, err)
		}
		if len(details) != 1 {
			return result, domain.Errorf(domain.KindInvalidApplicationState,
				"wrong number of stack instances for stack set %s: %d", record.ID, len(details))
		}
		d := details[0]
		if d.InstanceID == nil {
			return result, domain.Errorf(domain.KindInvalidApplicationState, "could not get instance data for stack set %s", record.ID)
		}

		s.logger.Info("migrating rental", "rental_id", record.ID, "instance_id", *d.InstanceID, "dry_run", dryRun)
		result.Processed = append(result.Processed, record.ID)
		if dryRun {
			continue
		}
		update := domain.RentalUpdate{
			Account:            domain.Ptr(d.Account),
			Region:             domain.Ptr(d.Region),
			InstanceName:       domain.Ptr(d.InstanceName),
			InstanceType:       domain.Ptr(d.InstanceType),
			OperatingSystem:    domain.Ptr(d.OperatingSystem),
			ConnectionProtocol: domain.Ptr(d.ConnectionProtocol),
			InstanceID:         d.InstanceID,
			PrivateIP:          d.PrivateIP,
			InstanceStatus:     d.InstanceStatus,
		}
		if d.AvailabilityZone != "" {
			update.AvailabilityZone = domain.Ptr(d.AvailabilityZone)
		}
		if _, err := s.store.UpdateRental(ctx, record.ID, update); err != nil {
			return result, fmt.Errorf("updating %s: %w", record.ID, err)
		}
	}
	return result, nil
}
