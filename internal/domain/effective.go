package domain

import "sort"

// GroupOperatingSystem is an operating system profile tagged with its group.
type GroupOperatingSystem struct {
	Group string `json:"group"`
	OperatingSystemProfile
}

// EffectivePermissions is the merged view of a caller's groups.
type EffectivePermissions struct {
	Groups            GroupSet                       `json:"groups"`
	Scope             AccountScope                   `json:"scope"`
	InstanceTypes     []string                       `json:"instance_types"`
	OperatingSystems  []GroupOperatingSystem         `json:"operating_systems"`
	RegionMap         map[string]map[string][]string `json:"region_map"`
	MaxInstanceCount  int                            `json:"max_instance_count"`
	MaxExtensionCount int                            `json:"max_extension_count"`
	MaxDaysToExpiry   int                            `json:"max_days_to_expiry"`

	// ByGroup holds the unmerged record of every resolved group.
	ByGroup map[string]*PermissionRecord `json:"-"`
}

// Group returns the unmerged permissions of one resolved group.
func (e *EffectivePermissions) Group(name string) (*PermissionRecord, error) {
	if p, ok := e.ByGroup[name]; ok {
		return p, nil
	}
	return nil, Errorf(KindPermissionsMissing, "no permissions found for group %s", name)
}

// Accounts returns the sorted accounts that appear in the region map.
func (e *EffectivePermissions) Accounts() []string {
	accounts := make([]string, 0, len(e.RegionMap))
	for a := range e.RegionMap {
		accounts = append(accounts, a)
	}
	sort.Strings(accounts)
	return accounts
}
