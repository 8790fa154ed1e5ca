package memory

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bcnelson/instance-rental/internal/domain"
	"github.com/bcnelson/instance-rental/internal/storage"
)

// Store is an in-memory implementation of the storage interface for testing.
type Store struct {
	mu sync.RWMutex

	permissions map[string]*domain.PermissionRecord       // key: group
	regions     map[string]*domain.RegionalNetworkProfile // key: account/region
	rentals     map[string]*domain.RentalRecord           // key: stackset id
}

var _ storage.Storage = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		permissions: make(map[string]*domain.PermissionRecord),
		regions:     make(map[string]*domain.RegionalNetworkProfile),
		rentals:     make(map[string]*domain.RentalRecord),
	}
}

func (s *Store) Close() error { return nil }

// ============================================
// Permissions
// ============================================

func (s *Store) PutPermission(ctx context.Context, record *domain.PermissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := clonePermission(record)
	cp.UpdatedAt = time.Now()
	s.permissions[record.Group] = cp
	return nil
}

func (s *Store) GetPermission(ctx context.Context, group string) (*domain.PermissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.permissions[group]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clonePermission(p), nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]*domain.PermissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*domain.PermissionRecord, 0, len(s.permissions))
	for _, p := range s.permissions {
		result = append(result, clonePermission(p))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Group < result[j].Group })
	return result, nil
}

func (s *Store) DeletePermission(ctx context.Context, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.permissions[group]; !ok {
		return domain.ErrNotFound
	}
	delete(s.permissions, group)
	return nil
}

// ============================================
// Regional network profiles
// ============================================

func (s *Store) PutRegionalProfile(ctx context.Context, profile *domain.RegionalNetworkProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *profile
	cp.SubnetIDs = slices.Clone(profile.SubnetIDs)
	cp.UpdatedAt = time.Now()
	s.regions[profile.Key()] = &cp
	return nil
}

func (s *Store) GetRegionalProfile(ctx context.Context, account, region string) (*domain.RegionalNetworkProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.regions[domain.RegionKey(account, region)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	cp.SubnetIDs = slices.Clone(p.SubnetIDs)
	return &cp, nil
}

func (s *Store) ListRegionalProfiles(ctx context.Context) ([]*domain.RegionalNetworkProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*domain.RegionalNetworkProfile, 0, len(s.regions))
	for _, p := range s.regions {
		cp := *p
		cp.SubnetIDs = slices.Clone(p.SubnetIDs)
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key() < result[j].Key() })
	return result, nil
}

// ============================================
// Rentals
// ============================================

func (s *Store) CreateRental(ctx context.Context, rental *domain.RentalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rentals[rental.ID]; exists {
		return domain.ErrAlreadyExists
	}
	cp := *rental
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.rentals[rental.ID] = &cp
	return nil
}

func (s *Store) GetRental(ctx context.Context, id string) (*domain.RentalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rentals[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) ListRentals(ctx context.Context, filter domain.RentalFilter) ([]*domain.RentalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*domain.RentalRecord
	for _, r := range s.rentals {
		if filter.OwnerEmail != "" && !strings.EqualFold(r.Email, filter.OwnerEmail) {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) UpdateRental(ctx context.Context, id string, update domain.RentalUpdate) (*domain.RentalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rentals[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !update.Matches(r) {
		return nil, domain.ErrConflict
	}
	update.Apply(r)
	r.UpdatedAt = time.Now()
	cp := *r
	return &cp, nil
}

func (s *Store) DeleteRental(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rentals[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.rentals, id)
	return nil
}

func clonePermission(p *domain.PermissionRecord) *domain.PermissionRecord {
	cp := *p
	cp.InstanceTypes = slices.Clone(p.InstanceTypes)
	cp.OperatingSystems = make([]domain.OperatingSystemProfile, len(p.OperatingSystems))
	for i, os := range p.OperatingSystems {
		os.RegionMap = cloneRegionMap(os.RegionMap)
		cp.OperatingSystems[i] = os
	}
	return &cp
}

func cloneRegionMap(m domain.RegionMap) domain.RegionMap {
	if m == nil {
		return nil
	}
	out := make(domain.RegionMap, len(m))
	for account, regions := range m {
		out[account] = make(map[string]domain.RegionPlacement, len(regions))
		for region, p := range regions {
			out[account][region] = p
		}
	}
	return out
}
