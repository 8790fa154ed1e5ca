// Package service implements the rental lifecycle: provisioning, updates,
// extensions, teardown, reconciliation and expiry sweeps.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/bcnelson/instance-rental/internal/clock"
	"github.com/bcnelson/instance-rental/internal/cloud"
	"github.com/bcnelson/instance-rental/internal/domain"
	"github.com/bcnelson/instance-rental/internal/logging"
	"github.com/bcnelson/instance-rental/internal/metrics"
	"github.com/bcnelson/instance-rental/internal/notify"
	"github.com/bcnelson/instance-rental/internal/permissions"
	"github.com/bcnelson/instance-rental/internal/region"
	"github.com/bcnelson/instance-rental/internal/storage"
	"github.com/bcnelson/instance-rental/internal/validation"
	"github.com/bcnelson/instance-rental/internal/workflow"
)

// Deps are the collaborators of the rental service.
type Deps struct {
	Store       storage.Storage
	Permissions *permissions.Resolver
	Regions     *region.Resolver
	Cloud       cloud.Provider
	Trigger     workflow.Trigger
	Notifier    notify.Notifier
	Alerter     notify.Alerter
	Clock       clock.Clock
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Settings are deployment values baked into every stack set.
type Settings struct {
	ProjectName    string
	TemplateBucket string
	Tags           []Tag
	Addresses      notify.Addresses
}

// Rentals orchestrates the rental lifecycle. Calls never block on
// provisioning; long running work is handed to the workflow trigger.
type Rentals struct {
	store      storage.Storage
	perms      *permissions.Resolver
	regions    *region.Resolver
	cloud      cloud.Provider
	trigger    workflow.Trigger
	notifier   notify.Notifier
	alerter    notify.Alerter
	clock      clock.Clock
	metrics    *metrics.Metrics
	logger     *slog.Logger
	settings   Settings
	reconciler *Reconciler
}

// NewRentals creates the rental service.
func NewRentals(deps Deps, settings Settings) *Rentals {
	logger := logging.Ensure(deps.Logger)
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	alerter := deps.Alerter
	if alerter == nil {
		alerter = notify.NewLogAlerter(logger)
	}
	return &Rentals{
		store:      deps.Store,
		perms:      deps.Permissions,
		regions:    deps.Regions,
		cloud:      deps.Cloud,
		trigger:    deps.Trigger,
		notifier:   notifier,
		alerter:    alerter,
		clock:      clk,
		metrics:    deps.Metrics,
		logger:     logger.With("component", "rentals"),
		settings:   settings,
		reconciler: NewReconciler(deps.Cloud, deps.Permissions, deps.Regions, logger),
	}
}

// SetTrigger replaces the workflow trigger. The in-process runner needs
// the service before it can be constructed.
func (s *Rentals) SetTrigger(t workflow.Trigger) {
	s.trigger = t
}

// Reconciler returns the read-only enrichment helper.
func (s *Rentals) Reconciler() *Reconciler {
	return s.reconciler
}

// Permissions returns the permission resolver.
func (s *Rentals) Permissions() *permissions.Resolver {
	return s.perms
}

// owned loads a rental the caller may act on.
func (s *Rentals) owned(ctx context.Context, caller *domain.Identity, id string) (*domain.RentalRecord, error) {
	record, err := s.store.GetRental(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		if caller.IsSuperuser {
			return nil, domain.Errorf(domain.KindNotFound, "instance %s not found", id)
		}
		return nil, domain.ErrNotOwner
	}
	if err != nil {
		return nil, err
	}
	if !caller.Owns(record) {
		return nil, domain.ErrNotOwner
	}
	return record, nil
}

func (s *Rentals) start(ctx context.Context, name string, in workflow.Input) (string, error) {
	if s.trigger == nil {
		s.logger.Warn("no workflow trigger configured", "workflow", name, "rental_id", in.RentalID)
		return "", nil
	}
	executionID, err := s.trigger.Start(ctx, name, in)
	if err != nil {
		return "", fmt.Errorf("starting %s workflow for %s: %w", name, in.RentalID, err)
	}
	s.logger.Info("started workflow", "workflow", name, "rental_id", in.RentalID, "execution_id", executionID)
	return executionID, nil
}

// revert puts back the statuses record had before a failed operation and
// returns cause.
func (s *Rentals) revert(ctx context.Context, record *domain.RentalRecord, cause error) error {
	_, err := s.store.UpdateRental(ctx, record.ID, domain.RentalUpdate{
		StackStatus:    domain.Ptr(record.StackStatus),
		InstanceStatus: domain.Ptr(record.InstanceStatus),
	})
	if err != nil {
		s.logger.Error("failed to restore rental status", "rental_id", record.ID, "error", err)
		return errors.Join(cause, fmt.Errorf("restoring status of %s: %w", record.ID, err))
	}
	s.logger.Warn("restored rental status", "rental_id", record.ID, "stack_status", record.StackStatus, "error", cause)
	return cause
}

// Create validates a request against the selected group, provisions the
// stack set and records the rental.
func (s *Rentals) Create(ctx context.Context, caller *domain.Identity, req domain.CreateRentalRequest) (result *domain.CreateRentalResult, err error) {
	defer func() { s.metrics.ObserveOperation("create", err) }()

	if req.Email == "" {
		req.Email = caller.Email
	}
	if req.Username == "" {
		req.Username = caller.Username
	}
	if !caller.InGroup(req.Group) {
		return nil, domain.Errorf(domain.KindPermissionsMissing, "You are not a member of the group %s.", req.Group)
	}

	perms, err := s.perms.GroupPermissions(ctx, req.Group)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateCreateRequest(&req, perms, caller, s.clock.Now()); err != nil {
		return nil, domain.Wrap(domain.KindInvalidArguments, err, "Invalid instance request.")
	}

	// Enforce the instance quota
	if !caller.IsSuperuser {
		owned, err := s.store.ListRentals(ctx, domain.RentalFilter{OwnerEmail: req.Email})
		if err != nil {
			return nil, err
		}
		if len(owned) >= perms.MaxInstanceCount {
			return nil, domain.Errorf(domain.KindInvalidArguments, "Instance limit exceeded. You already own %d instances.", len(owned))
		}
	}

	osProfile, ok := perms.OperatingSystem(req.OperatingSystem)
	if !ok {
		return nil, domain.Errorf(domain.KindPermissionsMissing, "operating system %s is not available to group %s", req.OperatingSystem, req.Group)
	}
	placement, ok := osProfile.RegionMap.Placement(req.Account, req.Region)
	if !ok {
		return nil, domain.Errorf(domain.KindPermissionsMissing, "Missing permission for region %s.", req.Region)
	}
	network, err := s.regions.ProvisioningParams(ctx, req.Account, req.Region, req.InstanceType)
	if err != nil {
		return nil, err
	}
	tags, err := EvaluateTags(s.settings.Tags, caller, req.Group)
	if err != nil {
		return nil, err
	}

	// Create the stack set with empty network values, overridden per instance
	stackSetID, err := s.cloud.CreateStackSet(ctx, cloud.CreateStackSetInput{
		Name:        fmt.Sprintf("%s-stackset-%s", s.settings.ProjectName, uuid.NewString()),
		Description: fmt.Sprintf("Provisioning compute instances using %s", s.settings.ProjectName),
		TemplateURL: fmt.Sprintf("https://s3.amazonaws.com/%s/%s", s.settings.TemplateBucket, osProfile.TemplateFile),
		Parameters: []cloud.Parameter{
			{Key: cloud.ParamProjectName, Value: s.settings.ProjectName},
			{Key: cloud.ParamOperatingSystemName, Value: req.OperatingSystem},
			{Key: cloud.ParamInstanceType, Value: req.InstanceType},
			{Key: cloud.ParamInstanceExpiry, Value: req.Expiry.UTC().Format("2006-01-02T15:04:05-07:00")},
			{Key: cloud.ParamConnectionProtocol, Value: string(osProfile.ConnectionProtocol)},
			{Key: cloud.ParamUserDataBucket, Value: s.settings.TemplateBucket},
			{Key: cloud.ParamUserDataFile, Value: osProfile.UserDataFile},
			{Key: cloud.ParamAMI, Value: placement.ImageID},
			{Key: cloud.ParamSecurityGroupID, Value: placement.SecurityGroup},
			{Key: cloud.ParamInstanceProfileName, Value: placement.InstanceProfile},
			{Key: cloud.ParamInstanceName, Value: req.InstanceName},
			{Key: cloud.ParamTagNameOne, Value: tags[0].Name},
			{Key: cloud.ParamTagValueOne, Value: tags[0].Value},
			{Key: cloud.ParamTagNameTwo, Value: tags[1].Name},
			{Key: cloud.ParamTagValueTwo, Value: tags[1].Value},
			{Key: cloud.ParamVPCID, Value: ""},
			{Key: cloud.ParamSubnetID, Value: ""},
			{Key: cloud.ParamSSHKeyName, Value: ""},
		},
	})
	if err != nil {
		return nil, err
	}

	operationID, err := s.cloud.CreateStackInstances(ctx, stackSetID, req.Account, req.Region, []cloud.Parameter{
		{Key: cloud.ParamVPCID, Value: network.VPCID},
		{Key: cloud.ParamSubnetID, Value: network.SubnetID},
		{Key: cloud.ParamSSHKeyName, Value: network.SSHKeyName},
	})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	record := &domain.RentalRecord{
		ID:                 stackSetID,
		Username:           req.Username,
		Email:              req.Email,
		Group:              req.Group,
		ExtensionCount:     0,
		Expiry:             req.Expiry,
		StackStatus:        domain.StackStatusProvisioning,
		Account:            req.Account,
		Region:             req.Region,
		AvailabilityZone:   network.AvailabilityZone,
		InstanceType:       req.InstanceType,
		OperatingSystem:    req.OperatingSystem,
		ConnectionProtocol: string(osProfile.ConnectionProtocol),
		InstanceName:       req.InstanceName,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.CreateRental(ctx, record); err != nil {
		return nil, fmt.Errorf("recording rental %s: %w", stackSetID, err)
	}
	s.logger.Info("provisioning rental", "rental_id", stackSetID, "operation_id", operationID, "email", req.Email, "group", req.Group)

	executionID, err := s.start(ctx, workflow.Provision, workflow.Input{
		RentalID:    stackSetID,
		Email:       req.Email,
		OperationID: operationID,
	})
	if err != nil {
		// The record stays so Delete and the sweeper can still reclaim the stack set.
		if alertErr := s.alerter.Alert(ctx, fmt.Sprintf("Provisioning workflow for stackset %s did not start", stackSetID)); alertErr != nil {
			s.logger.Error("failed to alert", "rental_id", stackSetID, "error", alertErr)
		}
		return nil, err
	}
	return &domain.CreateRentalResult{RentalID: stackSetID, OperationID: operationID, ExecutionID: executionID}, nil
}

// Get returns one rental joined with its live state.
func (s *Rentals) Get(ctx context.Context, caller *domain.Identity, id string) (*domain.EnrichedInstance, error) {
	record, err := s.owned(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	details, err := s.reconciler.InstanceDetails(ctx, []*domain.RentalRecord{record}, DefaultDetailOptions(caller))
	if err != nil {
		return nil, err
	}
	if len(details) == 0 {
		return nil, domain.Errorf(domain.KindNotFound, "instance %s has no live members", id)
	}
	return &details[0], nil
}

// List returns the caller's rentals, or every rental for a superuser.
func (s *Rentals) List(ctx context.Context, caller *domain.Identity) ([]domain.EnrichedInstance, error) {
	filter := domain.RentalFilter{}
	if !caller.IsSuperuser {
		filter.OwnerEmail = caller.Email
	}
	records, err := s.store.ListRentals(ctx, filter)
	if err != nil {
		return nil, err
	}
	details, err := s.reconciler.InstanceDetails(ctx, records, DefaultDetailOptions(caller))
	if err != nil {
		return nil, err
	}
	if details == nil {
		details = []domain.EnrichedInstance{}
	}
	return details, nil
}

// Params is the caller's merged permissions with the instance types each
// region actually offers.
type Params struct {
	*domain.EffectivePermissions
	OfferedInstanceTypes map[string]map[string][]string `json:"offered_instance_types"`
}

// Params resolves the caller's effective permissions.
func (s *Rentals) Params(ctx context.Context, caller *domain.Identity) (*Params, error) {
	eff, err := s.perms.Resolve(ctx, caller.Groups)
	if err != nil {
		return nil, err
	}
	offered := make(map[string]map[string][]string, len(eff.RegionMap))
	for account, regions := range eff.RegionMap {
		offered[account] = make(map[string][]string, len(regions))
		for r := range regions {
			types, err := s.regions.OfferedAnywhere(ctx, account, r, eff.InstanceTypes)
			if err != nil {
				s.logger.Warn("could not resolve offered instance types", "account", account, "region", r, "error", err)
				types = eff.InstanceTypes
			}
			if types == nil {
				types = []string{}
			}
			offered[account][r] = types
		}
	}
	return &Params{EffectivePermissions: eff, OfferedInstanceTypes: offered}, nil
}

// Update changes stack set parameters of a rental. Only the instance type
// may be overridden; every other parameter keeps its previous value.
func (s *Rentals) Update(ctx context.Context, caller *domain.Identity, id string, req domain.UpdateRentalRequest) (result *domain.OperationResult, err error) {
	defer func() { s.metrics.ObserveOperation("update", err) }()

	record, err := s.owned(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	perms, err := s.perms.GroupPermissions(ctx, record.Group)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateUpdateRequest(&req, perms); err != nil {
		return nil, domain.Wrap(domain.KindInvalidArguments, err, "Invalid instance update.")
	}
	if s.regions.Live() {
		available, err := s.regions.AvailableInstanceTypes(ctx, record.Account, record.Region, record.AvailabilityZone, []string{req.InstanceType})
		if err != nil {
			return nil, err
		}
		if len(available) == 0 {
			return nil, domain.Errorf(domain.KindInvalidArguments,
				"The instance type '%s' is not available in the region '%s'.", req.InstanceType, record.Region)
		}
	}

	current, err := s.cloud.DescribeStackSet(ctx, id)
	if err != nil {
		return nil, err
	}
	params := make([]cloud.Parameter, 0, len(current.Parameters))
	for _, p := range current.Parameters {
		if p.Key == cloud.ParamInstanceType {
			params = append(params, cloud.Parameter{Key: p.Key, Value: req.InstanceType})
			continue
		}
		params = append(params, cloud.Parameter{Key: p.Key, UsePreviousValue: true})
	}

	if _, err := s.store.UpdateRental(ctx, id, domain.RentalUpdate{
		StackStatus:    domain.Ptr(domain.StackStatusUpdating),
		InstanceStatus: domain.Ptr(domain.InstanceStatusPending),
	}); err != nil {
		return nil, err
	}

	operationID, err := s.cloud.UpdateStackSet(ctx, id, params)
	if err != nil {
		return nil, s.revert(ctx, record, err)
	}
	s.logger.Info("updating rental", "rental_id", id, "instance_type", req.InstanceType, "operation_id", operationID)

	executionID, err := s.start(ctx, workflow.Update, workflow.Input{
		RentalID:    id,
		OperationID: operationID,
		UpdateLevel: domain.UpdateLevelStackSet,
	})
	if err != nil {
		return nil, s.revert(ctx, record, err)
	}
	return &domain.OperationResult{RentalID: id, OperationIDs: []string{operationID}, ExecutionID: executionID}, nil
}

// Start powers on the rental's instance.
func (s *Rentals) Start(ctx context.Context, caller *domain.Identity, id string) (*domain.OperationResult, error) {
	result, err := s.power(ctx, caller, id, domain.InstanceStatusPending, s.cloud.StartInstance)
	s.metrics.ObserveOperation("start", err)
	return result, err
}

// Stop powers off the rental's instance.
func (s *Rentals) Stop(ctx context.Context, caller *domain.Identity, id string) (*domain.OperationResult, error) {
	result, err := s.power(ctx, caller, id, domain.InstanceStatusStopping, s.cloud.StopInstance)
	s.metrics.ObserveOperation("stop", err)
	return result, err
}

func (s *Rentals) power(ctx context.Context, caller *domain.Identity, id, transient string,
	change func(ctx context.Context, account, region, instanceID string) error) (*domain.OperationResult, error) {
	record, err := s.owned(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	details, err := s.reconciler.InstanceDetails(ctx, []*domain.RentalRecord{record}, DefaultDetailOptions(caller))
	if err != nil {
		return nil, err
	}
	if len(details) == 0 || details[0].InstanceID == nil {
		return nil, domain.Errorf(domain.KindInvalidApplicationState, "instance %s is not ready", id)
	}
	target := details[0]

	if _, err := s.store.UpdateRental(ctx, id, domain.RentalUpdate{
		StackStatus:    domain.Ptr(domain.StackStatusUpdating),
		InstanceStatus: domain.Ptr(transient),
	}); err != nil {
		return nil, err
	}
	if err := change(ctx, target.Account, target.Region, *target.InstanceID); err != nil {
		return nil, s.revert(ctx, record, err)
	}

	executionID, err := s.start(ctx, workflow.Update, workflow.Input{
		RentalID:    id,
		UpdateLevel: domain.UpdateLevelInstance,
	})
	if err != nil {
		return nil, s.revert(ctx, record, err)
	}
	return &domain.OperationResult{RentalID: id, ExecutionID: executionID}, nil
}

// extendAttempts bounds retries when a concurrent update wins the race.
const extendAttempts = 3

// Extend pushes the expiry out by one extension period.
func (s *Rentals) Extend(ctx context.Context, caller *domain.Identity, id string) (result *domain.ExtendRentalResult, err error) {
	defer func() { s.metrics.ObserveOperation("extend", err) }()

	for attempt := 0; attempt < extendAttempts; attempt++ {
		record, err := s.owned(ctx, caller, id)
		if err != nil {
			return nil, err
		}
		perms, err := s.perms.GroupPermissions(ctx, record.Group)
		if err != nil {
			return nil, err
		}
		if !caller.IsSuperuser && !perms.CanExtend(record.ExtensionCount) {
			return nil, domain.Errorf(domain.KindInstanceUpdate,
				"You cannot extend instance lifetime more than %d times.", perms.MaxExtensionCount)
		}

		count := record.ExtensionCount + 1
		expiry := record.Expiry.Add(domain.ExtensionPeriod)
		updated, err := s.store.UpdateRental(ctx, id, domain.RentalUpdate{
			Expiry:           &expiry,
			ExtensionCount:   &count,
			IfExtensionCount: domain.Ptr(record.ExtensionCount),
		})
		if errors.Is(err, domain.ErrConflict) {
			s.logger.Debug("extension raced with another update", "rental_id", id, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, err
		}

		s.logger.Info("extended rental", "rental_id", id, "expiry", updated.Expiry, "extension_count", updated.ExtensionCount)
		return &domain.ExtendRentalResult{
			RentalID:  id,
			CanExtend: caller.IsSuperuser || perms.CanExtend(updated.ExtensionCount),
			Expiry:    updated.Expiry,
		}, nil
	}
	return nil, domain.Errorf(domain.KindInstanceUpdate, "Instance update has failed.")
}

// Delete marks a rental for teardown and hands it to the cleanup workflow.
func (s *Rentals) Delete(ctx context.Context, caller *domain.Identity, id string) (result *domain.OperationResult, err error) {
	defer func() { s.metrics.ObserveOperation("delete", err) }()

	record, err := s.owned(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.UpdateRental(ctx, id, domain.RentalUpdate{
		StackStatus:    domain.Ptr(domain.StackStatusDeleting),
		InstanceStatus: domain.Ptr(domain.InstanceStatusShuttingDown),
	}); err != nil {
		return nil, err
	}
	executionID, err := s.start(ctx, workflow.Cleanup, workflow.Input{RentalID: id, Email: record.Email})
	if err != nil {
		return nil, s.revert(ctx, record, err)
	}
	return &domain.OperationResult{RentalID: id, ExecutionID: executionID}, nil
}
