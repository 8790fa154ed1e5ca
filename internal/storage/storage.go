package storage

import (
	"context"

	"github.com/bcnelson/instance-rental/internal/domain"
)

// Storage defines the interface for the storage layer.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Close closes the storage connection.
	Close() error

	// Permissions
	PutPermission(ctx context.Context, record *domain.PermissionRecord) error
	GetPermission(ctx context.Context, group string) (*domain.PermissionRecord, error)
	ListPermissions(ctx context.Context) ([]*domain.PermissionRecord, error)
	DeletePermission(ctx context.Context, group string) error

	// Regional network profiles
	PutRegionalProfile(ctx context.Context, profile *domain.RegionalNetworkProfile) error
	GetRegionalProfile(ctx context.Context, account, region string) (*domain.RegionalNetworkProfile, error)
	ListRegionalProfiles(ctx context.Context) ([]*domain.RegionalNetworkProfile, error)

	// Rentals
	CreateRental(ctx context.Context, rental *domain.RentalRecord) error
	GetRental(ctx context.Context, id string) (*domain.RentalRecord, error)
	ListRentals(ctx context.Context, filter domain.RentalFilter) ([]*domain.RentalRecord, error)
	// UpdateRental applies all fields of update atomically and returns the
	// stored record. It returns domain.ErrConflict when the update's
	// condition does not hold.
	UpdateRental(ctx context.Context, id string, update domain.RentalUpdate) (*domain.RentalRecord, error)
	DeleteRental(ctx context.Context, id string) error
}
