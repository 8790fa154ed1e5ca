package domain

import (
	"fmt"
	"slices"
	"time"
)

// Protocol is the remote access protocol of an operating system image.
type Protocol string

const (
	ProtocolSSH Protocol = "ssh"
	ProtocolRDP Protocol = "rdp"
)

// Valid reports whether p is a known protocol.
func (p Protocol) Valid() bool {
	return p == ProtocolSSH || p == ProtocolRDP
}

// RegionPlacement holds the per-region values needed to launch an image.
type RegionPlacement struct {
	ImageID         string `json:"image_id" yaml:"ami" dynamodbav:"ami"`
	SecurityGroup   string `json:"security_group" yaml:"security-group" dynamodbav:"securityGroup"`
	InstanceProfile string `json:"instance_profile" yaml:"instance-profile-name" dynamodbav:"instanceProfileName"`
}

// RegionMap maps account -> region -> placement.
type RegionMap map[string]map[string]RegionPlacement

// Placement returns the placement for an account and region.
func (m RegionMap) Placement(account, region string) (RegionPlacement, bool) {
	regions, ok := m[account]
	if !ok {
		return RegionPlacement{}, false
	}
	p, ok := regions[region]
	return p, ok
}

// OperatingSystemProfile describes a launchable operating system.
type OperatingSystemProfile struct {
	Name               string    `json:"name" yaml:"name" dynamodbav:"name"`
	ConnectionProtocol Protocol  `json:"connection_protocol" yaml:"connection-protocol" dynamodbav:"connectionProtocol"`
	TemplateFile       string    `json:"template_file" yaml:"template-filename" dynamodbav:"templateFilename"`
	UserDataFile       string    `json:"user_data_file" yaml:"user-data-file" dynamodbav:"userDataFile"`
	RegionMap          RegionMap `json:"region_map" yaml:"region-map" dynamodbav:"regionMap"`
}

// Validate checks the profile's invariants.
func (o *OperatingSystemProfile) Validate() error {
	if o.Name == "" {
		return fmt.Errorf("%w: operating system name is required", ErrInvalidInput)
	}
	if !o.ConnectionProtocol.Valid() {
		return fmt.Errorf("%w: operating system %s has unknown connection protocol %q", ErrInvalidInput, o.Name, o.ConnectionProtocol)
	}
	for account, regions := range o.RegionMap {
		for region, p := range regions {
			if p.ImageID == "" || p.SecurityGroup == "" || p.InstanceProfile == "" {
				return fmt.Errorf("%w: operating system %s is missing placement values for %s/%s", ErrInvalidInput, o.Name, account, region)
			}
		}
	}
	return nil
}

// PermissionRecord is the entitlement set granted to a group.
type PermissionRecord struct {
	Group             string                   `json:"group" db:"group_name" yaml:"group" dynamodbav:"group"`
	InstanceTypes     []string                 `json:"instance_types" db:"-" yaml:"instance-types" dynamodbav:"instanceTypes"`
	OperatingSystems  []OperatingSystemProfile `json:"operating_systems" db:"-" yaml:"operating-systems" dynamodbav:"operatingSystems"`
	MaxInstanceCount  int                      `json:"max_instance_count" db:"max_instance_count" yaml:"max-instance-count" dynamodbav:"maxInstanceCount"`
	MaxExtensionCount int                      `json:"max_extension_count" db:"max_extension_count" yaml:"max-extension-count" dynamodbav:"maxExtensionCount"`
	MaxDaysToExpiry   int                      `json:"max_days_to_expiry" db:"max_days_to_expiry" yaml:"max-days-to-expiry" dynamodbav:"maxDaysToExpiry"`
	UpdatedAt         time.Time                `json:"updated_at" db:"updated_at" yaml:"-" dynamodbav:"updatedAt"`
}

// Validate checks the record's invariants.
func (p *PermissionRecord) Validate() error {
	if p.Group == "" {
		return fmt.Errorf("%w: group is required", ErrInvalidInput)
	}
	if p.MaxInstanceCount < 0 || p.MaxExtensionCount < 0 || p.MaxDaysToExpiry < 0 {
		return fmt.Errorf("%w: limits for group %s must not be negative", ErrInvalidInput, p.Group)
	}
	if len(p.InstanceTypes) == 0 {
		return fmt.Errorf("%w: group %s must allow at least one instance type", ErrInvalidInput, p.Group)
	}
	seen := make(map[string]bool, len(p.OperatingSystems))
	for i := range p.OperatingSystems {
		os := &p.OperatingSystems[i]
		if err := os.Validate(); err != nil {
			return err
		}
		if seen[os.Name] {
			return fmt.Errorf("%w: group %s lists operating system %s twice", ErrInvalidInput, p.Group, os.Name)
		}
		seen[os.Name] = true
	}
	return nil
}

// AllowsInstanceType reports whether t is in the group's instance types.
func (p *PermissionRecord) AllowsInstanceType(t string) bool {
	return slices.Contains(p.InstanceTypes, t)
}

// OperatingSystem returns the named profile.
func (p *PermissionRecord) OperatingSystem(name string) (*OperatingSystemProfile, bool) {
	for i := range p.OperatingSystems {
		if p.OperatingSystems[i].Name == name {
			return &p.OperatingSystems[i], true
		}
	}
	return nil, false
}

// RegionMap returns account -> region -> operating system names for the group.
func (p *PermissionRecord) RegionMap() map[string]map[string][]string {
	out := make(map[string]map[string][]string)
	for _, os := range p.OperatingSystems {
		for account, regions := range os.RegionMap {
			if out[account] == nil {
				out[account] = make(map[string][]string)
			}
			for region := range regions {
				out[account][region] = append(out[account][region], os.Name)
			}
		}
	}
	return out
}

// CanExtend reports whether a rental with count extensions may be extended.
func (p *PermissionRecord) CanExtend(count int) bool {
	return count < p.MaxExtensionCount
}
