// Package permissions resolves a caller's groups into effective entitlements.
package permissions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/bcnelson/instance-rental/internal/cache"
	"github.com/bcnelson/instance-rental/internal/domain"
	"github.com/bcnelson/instance-rental/internal/logging"
)

// Store is the read side of permission storage.
type Store interface {
	GetPermission(ctx context.Context, group string) (*domain.PermissionRecord, error)
}

// Resolver merges PermissionRecords for a set of groups.
// It never mutates stored records.
type Resolver struct {
	store  Store
	scope  domain.AccountScope
	cache  *cache.TTL[string, *domain.PermissionRecord]
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCache memoises permission records for ttl.
func WithCache(c *cache.TTL[string, *domain.PermissionRecord], ttl time.Duration) Option {
	return func(r *Resolver) {
		r.cache = c
		r.ttl = ttl
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// New creates a Resolver.
func New(store Store, scope domain.AccountScope, opts ...Option) *Resolver {
	r := &Resolver{store: store, scope: scope}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.Ensure(r.logger).With("component", "permissions")
	return r
}

// Scope returns the account scope the resolver was built with.
func (r *Resolver) Scope() domain.AccountScope {
	return r.scope
}

// Resolve merges the permissions of groups. Groups without a record are
// skipped; if none resolve, a PermissionsMissing error is returned.
func (r *Resolver) Resolve(ctx context.Context, groups []string) (*domain.EffectivePermissions, error) {
	set, err := domain.NewGroupSet(groups...)
	if err != nil {
		return nil, err
	}

	effective := &domain.EffectivePermissions{
		Scope:     r.scope,
		RegionMap: make(map[string]map[string][]string),
		ByGroup:   make(map[string]*domain.PermissionRecord),
	}
	typeSet := make(map[string]bool)

	for _, group := range set {
		record, err := r.load(ctx, group)
		if errors.Is(err, domain.ErrNotFound) {
			r.logger.Info("no permissions for group, skipping", "group", group)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading permissions for %s: %w", group, err)
		}
		record = r.scoped(record)

		effective.Groups = append(effective.Groups, group)
		effective.ByGroup[group] = record

		for _, t := range record.InstanceTypes {
			typeSet[t] = true
		}
		effective.MaxInstanceCount = max(effective.MaxInstanceCount, record.MaxInstanceCount)
		effective.MaxExtensionCount = max(effective.MaxExtensionCount, record.MaxExtensionCount)
		effective.MaxDaysToExpiry = max(effective.MaxDaysToExpiry, record.MaxDaysToExpiry)

		for _, os := range record.OperatingSystems {
			effective.OperatingSystems = append(effective.OperatingSystems, domain.GroupOperatingSystem{
				Group:                  group,
				OperatingSystemProfile: os,
			})
		}
		for account, regions := range record.RegionMap() {
			if effective.RegionMap[account] == nil {
				effective.RegionMap[account] = make(map[string][]string)
			}
			for region, names := range regions {
				effective.RegionMap[account][region] = append(effective.RegionMap[account][region], names...)
			}
		}
	}

	if len(effective.Groups) == 0 {
		return nil, domain.Errorf(domain.KindPermissionsMissing, "no permissions found for groups %v", []string(set))
	}

	effective.InstanceTypes = make([]string, 0, len(typeSet))
	for t := range typeSet {
		effective.InstanceTypes = append(effective.InstanceTypes, t)
	}
	sort.Strings(effective.InstanceTypes)

	return effective, nil
}

// GroupPermissions returns the record of a single group.
func (r *Resolver) GroupPermissions(ctx context.Context, group string) (*domain.PermissionRecord, error) {
	record, err := r.load(ctx, group)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.Errorf(domain.KindPermissionsMissing, "no permissions found for group %s", group)
	}
	if err != nil {
		return nil, err
	}
	return r.scoped(record), nil
}

// OSConfig returns the operating system profile osName granted to group.
func (r *Resolver) OSConfig(ctx context.Context, group, osName string) (*domain.OperatingSystemProfile, error) {
	record, err := r.GroupPermissions(ctx, group)
	if err != nil {
		return nil, err
	}
	os, ok := record.OperatingSystem(osName)
	if !ok {
		return nil, domain.Errorf(domain.KindPermissionsMissing, "operating system %s is not available to group %s", osName, group)
	}
	return os, nil
}

func (r *Resolver) load(ctx context.Context, group string) (*domain.PermissionRecord, error) {
	if r.cache != nil {
		if record, ok := r.cache.Get(group); ok {
			return record, nil
		}
	}
	record, err := r.store.GetPermission(ctx, group)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Put(group, record, r.ttl)
	}
	return record, nil
}

// scoped drops region map entries for accounts outside the deployment scope.
// The returned record must not be modified by callers.
func (r *Resolver) scoped(record *domain.PermissionRecord) *domain.PermissionRecord {
	if !r.scope.SingleAccount {
		return record
	}
	out := *record
	out.OperatingSystems = make([]domain.OperatingSystemProfile, 0, len(record.OperatingSystems))
	for _, os := range record.OperatingSystems {
		if regions, ok := os.RegionMap[r.scope.DefaultAccount]; ok {
			os.RegionMap = domain.RegionMap{r.scope.DefaultAccount: regions}
		} else {
			os.RegionMap = domain.RegionMap{}
		}
		out.OperatingSystems = append(out.OperatingSystems, os)
	}
	return &out
}
