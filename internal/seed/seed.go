// Package seed loads group permissions and regional network profiles from
// YAML files into a store.
package seed

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bcnelson/instance-rental/internal/domain"
	"github.com/bcnelson/instance-rental/internal/logging"
)

// File is the on-disk seed format.
type File struct {
	Permissions      []Permission                     `yaml:"permissions"`
	RegionalProfiles []domain.RegionalNetworkProfile `yaml:"regional-profiles"`
}

// Permission is a group permission record as written in a seed file.
type Permission struct {
	Group             string            `yaml:"group"`
	InstanceTypes     []string          `yaml:"instance-types"`
	OperatingSystems  []OperatingSystem `yaml:"operating-systems"`
	MaxInstanceCount  int               `yaml:"max-instance-count"`
	MaxExtensionCount int               `yaml:"max-extension-count"`
	MaxDaysToExpiry   int               `yaml:"max-days-to-expiry"`
}

// OperatingSystem accepts either an account scoped "region-map" or a flat
// "regions" map that belongs to the deployment's default account.
type OperatingSystem struct {
	domain.OperatingSystemProfile `yaml:",inline"`
	Regions                       map[string]domain.RegionPlacement `yaml:"regions"`
}

// Data is a parsed and validated seed.
type Data struct {
	Permissions []*domain.PermissionRecord
	Profiles    []*domain.RegionalNetworkProfile
}

// Load reads and parses a seed file.
func Load(path string, scope domain.AccountScope) (*Data, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return Parse(data, scope)
}

// Parse decodes and validates seed content.
func Parse(data []byte, scope domain.AccountScope) (*Data, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	out := &Data{}
	for _, p := range file.Permissions {
		record := &domain.PermissionRecord{
			Group:             p.Group,
			InstanceTypes:     p.InstanceTypes,
			MaxInstanceCount:  p.MaxInstanceCount,
			MaxExtensionCount: p.MaxExtensionCount,
			MaxDaysToExpiry:   p.MaxDaysToExpiry,
		}
		for _, os := range p.OperatingSystems {
			profile, err := os.fold(scope)
			if err != nil {
				return nil, fmt.Errorf("group %s: %w", p.Group, err)
			}
			record.OperatingSystems = append(record.OperatingSystems, profile)
		}
		if err := record.Validate(); err != nil {
			return nil, err
		}
		out.Permissions = append(out.Permissions, record)
	}

	for i := range file.RegionalProfiles {
		profile := file.RegionalProfiles[i]
		if profile.Account == "" {
			profile.Account = scope.DefaultAccount
		}
		if err := profile.Validate(); err != nil {
			return nil, err
		}
		out.Profiles = append(out.Profiles, &profile)
	}
	return out, nil
}

func (o OperatingSystem) fold(scope domain.AccountScope) (domain.OperatingSystemProfile, error) {
	profile := o.OperatingSystemProfile
	if len(o.Regions) == 0 {
		return profile, nil
	}
	if scope.DefaultAccount == "" {
		return profile, fmt.Errorf("%w: operating system %s uses flat regions but no default account is configured",
			domain.ErrInvalidInput, profile.Name)
	}

	merged := make(domain.RegionMap, len(profile.RegionMap)+1)
	for account, regions := range profile.RegionMap {
		merged[account] = regions
	}
	regions := make(map[string]domain.RegionPlacement, len(o.Regions))
	for r, p := range merged[scope.DefaultAccount] {
		regions[r] = p
	}
	for r, p := range o.Regions {
		regions[r] = p
	}
	merged[scope.DefaultAccount] = regions
	profile.RegionMap = merged
	return profile, nil
}

// Writer is the part of the store a seed is applied to.
type Writer interface {
	PutPermission(ctx context.Context, record *domain.PermissionRecord) error
	PutRegionalProfile(ctx context.Context, profile *domain.RegionalNetworkProfile) error
}

// Apply writes every record of the seed.
func Apply(ctx context.Context, store Writer, data *Data, logger *slog.Logger) error {
	logger = logging.Ensure(logger)
	for _, p := range data.Permissions {
		if err := store.PutPermission(ctx, p); err != nil {
			return fmt.Errorf("failed to store permissions for group %s: %w", p.Group, err)
		}
		logger.Info("seeded group permissions", "group", p.Group, "operating_systems", len(p.OperatingSystems))
	}
	for _, p := range data.Profiles {
		if err := store.PutRegionalProfile(ctx, p); err != nil {
			return fmt.Errorf("failed to store regional profile %s: %w", p.Key(), err)
		}
		logger.Info("seeded regional profile", "account", p.Account, "region", p.Region, "subnets", len(p.SubnetIDs))
	}
	return nil
}
