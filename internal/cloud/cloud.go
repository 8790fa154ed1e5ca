// Package cloud defines the provider-neutral seams the control plane uses
// to orchestrate stack sets and control compute instances.
package cloud

import (
	"context"
)

// Stack parameter keys understood by instance templates.
const (
	ParamProjectName         = "ProjectName"
	ParamOperatingSystemName = "OperatingSystemName"
	ParamInstanceType        = "InstanceType"
	ParamInstanceExpiry      = "InstanceExpiry"
	ParamConnectionProtocol  = "ConnectionProtocol"
	ParamUserDataBucket      = "UserDataBucket"
	ParamUserDataFile        = "UserDataFile"
	ParamAMI                 = "AMI"
	ParamSecurityGroupID     = "SecurityGroupId"
	ParamInstanceProfileName = "InstanceProfileName"
	ParamInstanceName        = "InstanceName"
	ParamTagNameOne          = "TagNameOne"
	ParamTagValueOne         = "TagValueOne"
	ParamTagNameTwo          = "TagNameTwo"
	ParamTagValueTwo         = "TagValueTwo"
	ParamVPCID               = "VPCID"
	ParamSubnetID            = "SubnetId"
	ParamSSHKeyName          = "SSHKeyName"
)

// Stack output keys.
const (
	OutputInstanceID = "InstanceID"
	OutputPrivateIP  = "PrivateIp"
)

// Parameter is a stack set parameter. UsePreviousValue keeps the stored
// value and ignores Value.
type Parameter struct {
	Key              string
	Value            string
	UsePreviousValue bool
}

// CreateStackSetInput describes a new stack set.
type CreateStackSetInput struct {
	Name        string
	Description string
	TemplateURL string
	Parameters  []Parameter
}

// StackSet is the provider's view of a stack set.
type StackSet struct {
	ID         string
	Status     string
	Parameters []Parameter
}

// Operation is an asynchronous stack set operation.
type Operation struct {
	ID           string
	Action       string
	Status       string
	StatusReason string
}

// StackInstance is one member of a stack set.
type StackInstance struct {
	Account        string
	Region         string
	StackID        string
	Status         string
	DetailedStatus string
	StatusReason   string
}

// Stack is a deployed stack in a member account.
type Stack struct {
	ID         string
	Status     string
	Parameters map[string]string
	Outputs    map[string]string
}

// StackSets is the orchestration provider.
type StackSets interface {
	CreateStackSet(ctx context.Context, in CreateStackSetInput) (string, error)
	CreateStackInstances(ctx context.Context, stackSetID, account, region string, overrides []Parameter) (string, error)
	DescribeStackSet(ctx context.Context, stackSetID string) (*StackSet, error)
	UpdateStackSet(ctx context.Context, stackSetID string, params []Parameter) (string, error)
	DeleteStackInstances(ctx context.Context, stackSetID, account, region string) (string, error)
	DeleteStackSet(ctx context.Context, stackSetID string) error
	DescribeOperation(ctx context.Context, stackSetID, operationID string) (*Operation, error)
	ListOperations(ctx context.Context, stackSetID string) ([]Operation, error)
	ListStackInstances(ctx context.Context, stackSetID string) ([]StackInstance, error)
	// DescribeStack reads a member stack through the member account's role.
	DescribeStack(ctx context.Context, account, region, stackID string) (*Stack, error)
}

// Instance is a live compute instance.
type Instance struct {
	ID               string
	State            string
	Type             string
	AvailabilityZone string
	PrivateIP        string
}

// Reservation groups instances launched together.
type Reservation struct {
	Instances []Instance
}

// Subnet is a subnet and the zone it lives in.
type Subnet struct {
	ID               string
	AvailabilityZone string
}

// Compute controls instances and reports regional capacity.
type Compute interface {
	DescribeInstances(ctx context.Context, account, region string, ids []string) ([]Reservation, error)
	StartInstance(ctx context.Context, account, region, instanceID string) error
	StopInstance(ctx context.Context, account, region, instanceID string) error
	DescribeSubnets(ctx context.Context, account, region string, subnetIDs []string) ([]Subnet, error)
	// InstanceTypeOfferings returns availability zone -> offered instance types.
	InstanceTypeOfferings(ctx context.Context, account, region string) (map[string][]string, error)
}

// Provider bundles both seams.
type Provider interface {
	StackSets
	Compute
}

// ParameterMap converts parameters into a key/value map.
func ParameterMap(params []Parameter) map[string]string {
	out := make(map[string]string, len(params))
	for _, p := range params {
		out[p.Key] = p.Value
	}
	return out
}
