package domain

import (
	"fmt"
	"slices"
	"sort"
	"time"
)

// RegionalNetworkProfile holds the network settings for an account and region.
type RegionalNetworkProfile struct {
	Account    string    `json:"account" db:"account" yaml:"account" dynamodbav:"account"`
	Region     string    `json:"region" db:"region" yaml:"region" dynamodbav:"region"`
	VPCID      string    `json:"vpc_id" db:"vpc_id" yaml:"vpc-id" dynamodbav:"vpcId"`
	SSHKeyName string    `json:"ssh_key_name" db:"ssh_key_name" yaml:"ssh-key-name" dynamodbav:"sshKeyName"`
	SubnetIDs  []string  `json:"subnet_ids" db:"-" yaml:"subnet-ids" dynamodbav:"subnetIds"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at" yaml:"-" dynamodbav:"updatedAt"`
}

// Validate checks the profile's invariants.
func (p *RegionalNetworkProfile) Validate() error {
	if p.Account == "" || p.Region == "" {
		return fmt.Errorf("%w: account and region are required", ErrInvalidInput)
	}
	if p.VPCID == "" {
		return fmt.Errorf("%w: vpc id is required for %s", ErrInvalidInput, p.Key())
	}
	if len(p.SubnetIDs) == 0 {
		return fmt.Errorf("%w: at least one subnet is required for %s", ErrInvalidInput, p.Key())
	}
	return nil
}

// Key returns the composite key of the profile.
func (p *RegionalNetworkProfile) Key() string {
	return RegionKey(p.Account, p.Region)
}

// RegionKey joins an account and region into a single key.
func RegionKey(account, region string) string {
	return account + "/" + region
}

// RegionCapacity is the resolved network and capacity view of a region.
type RegionCapacity struct {
	Account     string
	Region      string
	VPCID       string
	SSHKeyName  string
	SubnetsByAZ map[string][]string
	// TypesByAZ is nil when live capability data is not used.
	TypesByAZ map[string][]string
}

// Live reports whether capacity data came from the provider.
func (c *RegionCapacity) Live() bool {
	return c.TypesByAZ != nil
}

// ZonesFor returns the sorted availability zones that can host instanceType.
func (c *RegionCapacity) ZonesFor(instanceType string) []string {
	var zones []string
	for az, subnets := range c.SubnetsByAZ {
		if len(subnets) == 0 {
			continue
		}
		if c.Live() && !slices.Contains(c.TypesByAZ[az], instanceType) {
			continue
		}
		zones = append(zones, az)
	}
	sort.Strings(zones)
	return zones
}

// TypesIn returns the instance types offered in az intersected with allowed.
// When capacity is not live or the zone is unknown, allowed is returned.
func (c *RegionCapacity) TypesIn(az string, allowed []string) []string {
	if !c.Live() || az == "" {
		return slices.Clone(allowed)
	}
	offered := c.TypesByAZ[az]
	var out []string
	for _, t := range allowed {
		if slices.Contains(offered, t) {
			out = append(out, t)
		}
	}
	return out
}

// ProvisioningParams are the network values chosen for a new instance.
type ProvisioningParams struct {
	Account          string `json:"account"`
	Region           string `json:"region"`
	VPCID            string `json:"vpc_id"`
	SSHKeyName       string `json:"ssh_key_name"`
	SubnetID         string `json:"subnet_id"`
	AvailabilityZone string `json:"availability_zone"`
}
