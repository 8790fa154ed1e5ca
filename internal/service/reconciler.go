package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/bcnelson/instance-rental/internal/cloud"
	"github.com/bcnelson/instance-rental/internal/domain"
	"github.com/bcnelson/instance-rental/internal/logging"
	"github.com/bcnelson/instance-rental/internal/permissions"
	"github.com/bcnelson/instance-rental/internal/region"
)

// DetailOptions controls how rentals are enriched.
type DetailOptions struct {
	// AcceptableStatuses filters members by stack status. Nil or empty
	// disables filtering.
	AcceptableStatuses []string
	// Caller decides can_extend. Nil is treated as a regular user.
	Caller *domain.Identity
}

// DefaultDetailOptions lists members in the default acceptable statuses.
func DefaultDetailOptions(caller *domain.Identity) DetailOptions {
	return DetailOptions{AcceptableStatuses: domain.DefaultAcceptableStatuses, Caller: caller}
}

// Reconciler joins rental records with live infrastructure state. It never
// writes.
type Reconciler struct {
	provider cloud.Provider
	perms    *permissions.Resolver
	regions  *region.Resolver
	logger   *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(provider cloud.Provider, perms *permissions.Resolver, regions *region.Resolver, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		provider: provider,
		perms:    perms,
		regions:  regions,
		logger:   logging.Ensure(logger).With("component", "reconciler"),
	}
}

// InstanceDetails returns one entry per live member of each rental.
func (r *Reconciler) InstanceDetails(ctx context.Context, rentals []*domain.RentalRecord, opts DetailOptions) ([]domain.EnrichedInstance, error) {
	scope := r.perms.Scope()
	var out []domain.EnrichedInstance

	for _, rental := range rentals {
		members, err := r.provider.ListStackInstances(ctx, rental.ID)
		if err != nil {
			return nil, fmt.Errorf("listing stack instances of %s: %w", rental.ID, err)
		}
		for _, m := range members {
			// A member without a stack id failed early or is still being created.
			if m.StackID == "" {
				continue
			}
			if scope.SingleAccount && m.Account != scope.DefaultAccount {
				return nil, domain.Errorf(domain.KindCrossAccountStackSet,
					"stack set %s has an instance in account %s outside %s", rental.ID, m.Account, scope.DefaultAccount)
			}

			stack, err := r.provider.DescribeStack(ctx, m.Account, m.Region, m.StackID)
			if err != nil {
				return nil, fmt.Errorf("describing stack of %s: %w", rental.ID, err)
			}
			if len(opts.AcceptableStatuses) > 0 && !slices.Contains(opts.AcceptableStatuses, stack.Status) {
				continue
			}
			out = append(out, enrich(rental, m, stack))
		}
	}

	if err := r.annotatePowerState(ctx, out); err != nil {
		return nil, err
	}
	r.annotatePermissions(ctx, out, opts.Caller)
	return out, nil
}

func enrich(rental *domain.RentalRecord, m cloud.StackInstance, stack *cloud.Stack) domain.EnrichedInstance {
	param := func(key, fallback string) string {
		if v := stack.Parameters[key]; v != "" {
			return v
		}
		return fallback
	}
	e := domain.EnrichedInstance{
		RentalID:           rental.ID,
		StackID:            m.StackID,
		StackStatus:        stack.Status,
		Account:            m.Account,
		Region:             m.Region,
		AvailabilityZone:   rental.AvailabilityZone,
		Username:           rental.Username,
		Email:              rental.Email,
		Group:              rental.Group,
		InstanceName:       param(cloud.ParamInstanceName, rental.InstanceName),
		InstanceType:       param(cloud.ParamInstanceType, rental.InstanceType),
		OperatingSystem:    param(cloud.ParamOperatingSystemName, rental.OperatingSystem),
		ConnectionProtocol: param(cloud.ParamConnectionProtocol, rental.ConnectionProtocol),
		Expiry:             rental.Expiry,
		ExtensionCount:     rental.ExtensionCount,
	}
	if m.Status == domain.StackInstanceCurrent &&
		m.DetailedStatus != domain.DetailedStatusPending && m.DetailedStatus != domain.DetailedStatusRunning {
		if id := stack.Outputs[cloud.OutputInstanceID]; id != "" {
			e.InstanceID = domain.Ptr(id)
		}
		if ip := stack.Outputs[cloud.OutputPrivateIP]; ip != "" {
			e.PrivateIP = domain.Ptr(ip)
		}
	}
	return e
}

// annotatePowerState looks up power states with one call per account and region.
func (r *Reconciler) annotatePowerState(ctx context.Context, instances []domain.EnrichedInstance) error {
	type location struct{ account, region string }
	batches := make(map[location][]string)
	var order []location
	for _, e := range instances {
		if e.InstanceID == nil {
			continue
		}
		loc := location{e.Account, e.Region}
		if _, ok := batches[loc]; !ok {
			order = append(order, loc)
		}
		batches[loc] = append(batches[loc], *e.InstanceID)
	}

	live := make(map[string]cloud.Instance)
	for _, loc := range order {
		reservations, err := r.provider.DescribeInstances(ctx, loc.account, loc.region, batches[loc])
		if err != nil {
			return fmt.Errorf("describing instances in %s: %w", domain.RegionKey(loc.account, loc.region), err)
		}
		for _, res := range reservations {
			if len(res.Instances) > 1 {
				return domain.Errorf(domain.KindInvalidApplicationState,
					"more than one instance in reservation of %s", res.Instances[0].ID)
			}
			for _, inst := range res.Instances {
				live[inst.ID] = inst
			}
		}
	}

	for i := range instances {
		e := &instances[i]
		if e.InstanceID == nil {
			continue
		}
		inst, ok := live[*e.InstanceID]
		if !ok {
			continue
		}
		e.InstanceStatus = domain.Ptr(inst.State)
		if inst.AvailabilityZone != "" {
			e.AvailabilityZone = inst.AvailabilityZone
		}
		if inst.Type != "" {
			e.InstanceType = inst.Type
		}
	}
	return nil
}

func (r *Reconciler) annotatePermissions(ctx context.Context, instances []domain.EnrichedInstance, caller *domain.Identity) {
	superuser := caller != nil && caller.IsSuperuser
	groups := make(map[string]*domain.PermissionRecord)

	for i := range instances {
		e := &instances[i]
		perms, ok := groups[e.Group]
		if !ok {
			var err error
			perms, err = r.perms.GroupPermissions(ctx, e.Group)
			if err != nil {
				r.logger.Warn("no permissions for rental group", "group", e.Group, "rental_id", e.RentalID, "error", err)
			}
			groups[e.Group] = perms
		}
		if perms == nil {
			e.CanExtend = superuser
			e.AvailableInstanceTypes = []string{}
			continue
		}

		e.CanExtend = superuser || perms.CanExtend(e.ExtensionCount)
		types, err := r.regions.AvailableInstanceTypes(ctx, e.Account, e.Region, e.AvailabilityZone, perms.InstanceTypes)
		if err != nil {
			r.logger.Warn("could not resolve offered instance types", "rental_id", e.RentalID, "error", err)
			types = slices.Clone(perms.InstanceTypes)
		}
		if types == nil {
			types = []string{}
		}
		e.AvailableInstanceTypes = types
	}
}
