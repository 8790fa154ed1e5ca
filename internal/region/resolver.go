// Package region resolves network placement and instance capacity for an
// account and region.
package region

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bcnelson/instance-rental/internal/cache"
	"github.com/bcnelson/instance-rental/internal/cloud"
	"github.com/bcnelson/instance-rental/internal/domain"
	"github.com/bcnelson/instance-rental/internal/logging"
)

// ProfileStore is the read side of regional profile storage.
type ProfileStore interface {
	GetRegionalProfile(ctx context.Context, account, region string) (*domain.RegionalNetworkProfile, error)
}

// Resolver answers placement questions for an account and region.
type Resolver struct {
	store   ProfileStore
	compute cloud.Compute
	cache   *cache.TTL[string, *domain.RegionCapacity]
	ttl     time.Duration
	logger  *slog.Logger

	randMu sync.Mutex
	intn   func(n int) int
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLiveCapacity enables live capability mode backed by compute.
func WithLiveCapacity(compute cloud.Compute) Option {
	return func(r *Resolver) { r.compute = compute }
}

// WithCache memoises resolved capacity for ttl.
func WithCache(c *cache.TTL[string, *domain.RegionCapacity], ttl time.Duration) Option {
	return func(r *Resolver) {
		r.cache = c
		r.ttl = ttl
	}
}

// WithRand sets the random source used to pick zones and subnets.
func WithRand(src *rand.Rand) Option {
	return func(r *Resolver) { r.intn = src.IntN }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// New creates a Resolver. Without WithLiveCapacity it runs in static mode.
func New(store ProfileStore, opts ...Option) *Resolver {
	r := &Resolver{store: store, intn: rand.IntN}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.Ensure(r.logger).With("component", "region")
	return r
}

// Live reports whether the resolver consults the provider for capacity.
func (r *Resolver) Live() bool {
	return r.compute != nil
}

// Placement returns the network profile of a region grouped by availability zone.
func (r *Resolver) Placement(ctx context.Context, account, region string) (*domain.RegionCapacity, error) {
	key := domain.RegionKey(account, region)
	if r.cache != nil {
		if c, ok := r.cache.Get(key); ok {
			return c, nil
		}
	}

	profile, err := r.store.GetRegionalProfile(ctx, account, region)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.Errorf(domain.KindPermissionsMissing, "no network configuration for account %s in region %s", account, region)
	}
	if err != nil {
		return nil, fmt.Errorf("loading network profile %s: %w", key, err)
	}

	capacity := &domain.RegionCapacity{
		Account:     account,
		Region:      region,
		VPCID:       profile.VPCID,
		SSHKeyName:  profile.SSHKeyName,
		SubnetsByAZ: make(map[string][]string),
	}

	if r.compute == nil {
		capacity.SubnetsByAZ[""] = append([]string(nil), profile.SubnetIDs...)
	} else {
		subnets, err := r.compute.DescribeSubnets(ctx, account, region, profile.SubnetIDs)
		if err != nil {
			return nil, fmt.Errorf("describing subnets in %s: %w", key, err)
		}
		for _, s := range subnets {
			capacity.SubnetsByAZ[s.AvailabilityZone] = append(capacity.SubnetsByAZ[s.AvailabilityZone], s.ID)
		}
		offerings, err := r.compute.InstanceTypeOfferings(ctx, account, region)
		if err != nil {
			return nil, fmt.Errorf("listing instance type offerings in %s: %w", key, err)
		}
		capacity.TypesByAZ = make(map[string][]string, len(capacity.SubnetsByAZ))
		for az := range capacity.SubnetsByAZ {
			capacity.TypesByAZ[az] = offerings[az]
		}
		r.logger.Debug("resolved live capacity", "key", key, "zones", len(capacity.SubnetsByAZ))
	}

	if r.cache != nil {
		r.cache.Put(key, capacity, r.ttl)
	}
	return capacity, nil
}

// ProvisioningParams picks a subnet for instanceType. Zones are chosen
// uniformly among those offering the type, then subnets uniformly within
// the chosen zone.
func (r *Resolver) ProvisioningParams(ctx context.Context, account, region, instanceType string) (*domain.ProvisioningParams, error) {
	capacity, err := r.Placement(ctx, account, region)
	if err != nil {
		return nil, err
	}

	zones := capacity.ZonesFor(instanceType)
	if len(zones) == 0 {
		return nil, domain.Errorf(domain.KindInvalidArguments,
			"The instance type '%s' is not available in the region '%s'.", instanceType, region)
	}

	r.randMu.Lock()
	az := zones[r.intn(len(zones))]
	subnets := capacity.SubnetsByAZ[az]
	subnet := subnets[r.intn(len(subnets))]
	r.randMu.Unlock()

	return &domain.ProvisioningParams{
		Account:          account,
		Region:           region,
		VPCID:            capacity.VPCID,
		SSHKeyName:       capacity.SSHKeyName,
		SubnetID:         subnet,
		AvailabilityZone: az,
	}, nil
}

// AvailableInstanceTypes intersects allowed with the types offered in az.
func (r *Resolver) AvailableInstanceTypes(ctx context.Context, account, region, az string, allowed []string) ([]string, error) {
	capacity, err := r.Placement(ctx, account, region)
	if err != nil {
		return nil, err
	}
	return capacity.TypesIn(az, allowed), nil
}

// OfferedAnywhere intersects allowed with the types offered in any zone
// of the region that has a subnet.
func (r *Resolver) OfferedAnywhere(ctx context.Context, account, region string, allowed []string) ([]string, error) {
	capacity, err := r.Placement(ctx, account, region)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, t := range allowed {
		if len(capacity.ZonesFor(t)) > 0 {
			out = append(out, t)
		}
	}
	return out, nil
}
