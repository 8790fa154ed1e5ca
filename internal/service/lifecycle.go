package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bcnelson/instance-rental/internal/domain"
	"github.com/bcnelson/instance-rental/internal/notify"
	"github.com/bcnelson/instance-rental/internal/workflow"
)

func (s *Rentals) instanceData(record *domain.RentalRecord, account, region, ip string) notify.InstanceData {
	return notify.InstanceData{
		Account:      account,
		Region:       region,
		OS:           record.OperatingSystem,
		InstanceType: record.InstanceType,
		InstanceName: record.InstanceName,
		IP:           ip,
		Expiry:       notify.FormatExpiry(record.Expiry, s.clock.Now()),
	}
}

func recipient(email string, record *domain.RentalRecord) string {
	if email != "" || record == nil {
		return email
	}
	return record.Email
}

// refresh writes linkage fields reconciled from live infrastructure and,
// when status is set, the stack status.
func (s *Rentals) refresh(ctx context.Context, id string, status *string) (*domain.RentalRecord, *domain.EnrichedInstance, error) {
	record, err := s.store.GetRental(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	details, err := s.reconciler.InstanceDetails(ctx, []*domain.RentalRecord{record}, DetailOptions{})
	if err != nil {
		return nil, nil, err
	}

	update := domain.RentalUpdate{StackStatus: status}
	var detail *domain.EnrichedInstance
	if len(details) > 0 {
		detail = &details[0]
		update.InstanceID = detail.InstanceID
		update.PrivateIP = detail.PrivateIP
		update.InstanceStatus = detail.InstanceStatus
		update.InstanceType = domain.Ptr(detail.InstanceType)
		if detail.AvailabilityZone != "" {
			update.AvailabilityZone = domain.Ptr(detail.AvailabilityZone)
		}
	}
	if update.Empty() {
		return record, detail, nil
	}
	updated, err := s.store.UpdateRental(ctx, id, update)
	if err != nil {
		return nil, nil, err
	}
	return updated, detail, nil
}

// RefreshLinkage copies instance id, private IP, power state, type and
// zone from live infrastructure into the rental record.
func (s *Rentals) RefreshLinkage(ctx context.Context, id string) (*domain.RentalRecord, error) {
	record, _, err := s.refresh(ctx, id, nil)
	return record, err
}

// NotifyProvisioned activates a provisioned rental and emails its owner.
func (s *Rentals) NotifyProvisioned(ctx context.Context, id, email string) error {
	record, detail, err := s.refresh(ctx, id, domain.Ptr(domain.StackStatusActive))
	if err != nil {
		return err
	}
	if detail == nil {
		return domain.Errorf(domain.KindInvalidApplicationState, "stack set %s has no live instance", id)
	}

	ip := ""
	if detail.PrivateIP != nil {
		ip = *detail.PrivateIP
	}
	msg := notify.Message{
		Subject:  notify.SubjectProvisioned,
		Template: notify.TemplateProvisionSuccess,
		Data:     s.instanceData(record, detail.Account, detail.Region, ip),
		From:     s.settings.Addresses.Provisioning(),
		To:       []string{recipient(email, record)},
	}
	if err := s.notifier.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to notify %s of %s: %w", msg.To[0], id, err)
	}
	s.logger.Info("rental provisioned", "rental_id", id, "email", msg.To[0])
	return nil
}

// NotifyProvisionFailed alerts the operators, emails the owner with the
// admin in copy and hands the rental to the cleanup workflow. The hand-off
// happens even when delivery fails.
func (s *Rentals) NotifyProvisionFailed(ctx context.Context, id, email string) error {
	var errs []error

	if err := s.alerter.Alert(ctx, fmt.Sprintf("Error provisioning the stackset %s", id)); err != nil {
		errs = append(errs, fmt.Errorf("failed to alert: %w", err))
	}

	record, err := s.store.GetRental(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		errs = append(errs, err)
	}
	if record != nil {
		msg := notify.Message{
			Subject:  notify.SubjectProvisionFailed,
			Template: notify.TemplateProvisionFailure,
			Data:     s.instanceData(record, record.Account, record.Region, record.PrivateIP),
			From:     s.settings.Addresses.Provisioning(),
			To:       []string{recipient(email, record)},
		}
		if s.settings.Addresses.Admin != "" {
			msg.CC = []string{s.settings.Addresses.Admin}
		}
		if err := s.notifier.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("failed to notify %s of %s: %w", msg.To[0], id, err))
		}
	}

	s.logger.Warn("rental failed to provision", "rental_id", id)
	if _, err := s.start(ctx, workflow.Cleanup, workflow.Input{RentalID: id, Email: recipient(email, record)}); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CompleteUpdate returns an updated rental to active with fresh linkage.
func (s *Rentals) CompleteUpdate(ctx context.Context, id string) error {
	_, _, err := s.refresh(ctx, id, domain.Ptr(domain.StackStatusActive))
	return err
}

// FailUpdate alerts the operators and returns the rental to active so the
// owner can retry.
func (s *Rentals) FailUpdate(ctx context.Context, id string) error {
	alertErr := s.alerter.Alert(ctx, fmt.Sprintf("Error updating the stackset %s", id))
	if _, _, err := s.refresh(ctx, id, domain.Ptr(domain.StackStatusActive)); err != nil {
		return errors.Join(alertErr, err)
	}
	return alertErr
}

// Deprovision deletes every member of a rental's stack set and tells the
// owner. It returns the delete operation ids.
func (s *Rentals) Deprovision(ctx context.Context, id, email string) ([]string, error) {
	record, err := s.store.GetRental(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	members, err := s.cloud.ListStackInstances(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		s.logger.Info("stack set already gone", "rental_id", id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing stack instances of %s: %w", id, err)
	}

	if record != nil {
		if _, err := s.store.UpdateRental(ctx, id, domain.RentalUpdate{
			StackStatus:    domain.Ptr(domain.StackStatusDeleting),
			InstanceStatus: domain.Ptr(domain.InstanceStatusShuttingDown),
		}); err != nil {
			return nil, err
		}
	}

	var operationIDs []string
	for _, m := range members {
		opID, err := s.cloud.DeleteStackInstances(ctx, id, m.Account, m.Region)
		if err != nil {
			return operationIDs, fmt.Errorf("deleting stack instance of %s in %s: %w", id, domain.RegionKey(m.Account, m.Region), err)
		}
		operationIDs = append(operationIDs, opID)
		s.logger.Info("deleting stack instance", "rental_id", id, "account", m.Account, "region", m.Region, "operation_id", opID)

		to := recipient(email, record)
		if record == nil || to == "" {
			continue
		}
		msg := notify.Message{
			Subject:  notify.SubjectDeprovisioned,
			Template: notify.TemplateCleanupComplete,
			Data:     s.instanceData(record, m.Account, m.Region, record.PrivateIP),
			From:     s.settings.Addresses.Cleanup(),
			To:       []string{to},
		}
		if err := s.notifier.Send(ctx, msg); err != nil {
			s.logger.Error("failed to send deprovision notice", "rental_id", id, "email", to, "error", err)
		}
	}
	return operationIDs, nil
}

// FinalizeDeprovision deletes the stack set and the rental record. Missing
// resources are not errors.
func (s *Rentals) FinalizeDeprovision(ctx context.Context, id string) error {
	if err := s.cloud.DeleteStackSet(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("deleting stack set %s: %w", id, err)
	}
	if err := s.store.DeleteRental(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("deleting rental %s: %w", id, err)
	}
	s.logger.Info("rental deleted", "rental_id", id)
	return nil
}
