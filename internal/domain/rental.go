package domain

import "time"

// Lifecycle states projected into RentalRecord.StackStatus.
const (
	StackStatusProvisioning = "provisioning"
	StackStatusActive       = "active"
	StackStatusUpdating     = "updating"
	StackStatusDeleting     = "deleting"
)

// Instance power states.
const (
	InstanceStatusPending      = "pending"
	InstanceStatusRunning      = "running"
	InstanceStatusStopping     = "stopping"
	InstanceStatusStopped      = "stopped"
	InstanceStatusShuttingDown = "shutting-down"
)

// ExtensionPeriod is added to a rental's expiry on each extension.
const ExtensionPeriod = 24 * time.Hour

// RentalRecord is the persisted state of one rented instance.
type RentalRecord struct {
	ID                 string    `json:"stackset_id" db:"id" dynamodbav:"stacksetID"`
	Username           string    `json:"username" db:"username" dynamodbav:"username"`
	Email              string    `json:"email" db:"email" dynamodbav:"email"`
	Group              string    `json:"group" db:"group_name" dynamodbav:"group"`
	ExtensionCount     int       `json:"extension_count" db:"extension_count" dynamodbav:"extensionCount"`
	Expiry             time.Time `json:"expiry" db:"expiry" dynamodbav:"expiry"`
	StackStatus        string    `json:"stack_status" db:"stack_status" dynamodbav:"stackStatus"`
	Account            string    `json:"account" db:"account" dynamodbav:"account"`
	Region             string    `json:"region" db:"region" dynamodbav:"region"`
	AvailabilityZone   string    `json:"availability_zone,omitempty" db:"availability_zone" dynamodbav:"availabilityZone"`
	InstanceType       string    `json:"instance_type" db:"instance_type" dynamodbav:"instanceType"`
	OperatingSystem    string    `json:"operating_system" db:"operating_system" dynamodbav:"operatingSystemName"`
	ConnectionProtocol string    `json:"connection_protocol" db:"connection_protocol" dynamodbav:"connectionProtocol"`
	InstanceName       string    `json:"instance_name" db:"instance_name" dynamodbav:"instanceName"`
	InstanceID         string    `json:"instance_id,omitempty" db:"instance_id" dynamodbav:"instanceId"`
	PrivateIP          string    `json:"private_ip,omitempty" db:"private_ip" dynamodbav:"privateIp"`
	InstanceStatus     string    `json:"instance_status,omitempty" db:"instance_status" dynamodbav:"instanceStatus"`
	CreatedAt          time.Time `json:"created_at" db:"created_at" dynamodbav:"createdAt"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at" dynamodbav:"updatedAt"`
}

// Linked reports whether the record points at a live instance.
func (r *RentalRecord) Linked() bool {
	return r.InstanceID != "" && r.Account != "" && r.Region != ""
}

// RentalUpdate is a set of field changes applied atomically to one record.
// Nil fields are left untouched.
type RentalUpdate struct {
	StackStatus        *string
	InstanceStatus     *string
	InstanceType       *string
	InstanceID         *string
	PrivateIP          *string
	AvailabilityZone   *string
	ExtensionCount     *int
	Expiry             *time.Time
	Account            *string
	Region             *string
	InstanceName       *string
	OperatingSystem    *string
	ConnectionProtocol *string

	// IfExtensionCount makes the update conditional on the stored count.
	IfExtensionCount *int
}

// Empty reports whether the update changes nothing.
func (u RentalUpdate) Empty() bool {
	return u.StackStatus == nil && u.InstanceStatus == nil && u.InstanceType == nil &&
		u.InstanceID == nil && u.PrivateIP == nil && u.AvailabilityZone == nil &&
		u.ExtensionCount == nil && u.Expiry == nil && u.Account == nil && u.Region == nil &&
		u.InstanceName == nil && u.OperatingSystem == nil && u.ConnectionProtocol == nil
}

// Matches reports whether the update's condition holds for r.
func (u RentalUpdate) Matches(r *RentalRecord) bool {
	return u.IfExtensionCount == nil || *u.IfExtensionCount == r.ExtensionCount
}

// Apply copies the set fields onto r.
func (u RentalUpdate) Apply(r *RentalRecord) {
	if u.StackStatus != nil {
		r.StackStatus = *u.StackStatus
	}
	if u.InstanceStatus != nil {
		r.InstanceStatus = *u.InstanceStatus
	}
	if u.InstanceType != nil {
		r.InstanceType = *u.InstanceType
	}
	if u.InstanceID != nil {
		r.InstanceID = *u.InstanceID
	}
	if u.PrivateIP != nil {
		r.PrivateIP = *u.PrivateIP
	}
	if u.AvailabilityZone != nil {
		r.AvailabilityZone = *u.AvailabilityZone
	}
	if u.ExtensionCount != nil {
		r.ExtensionCount = *u.ExtensionCount
	}
	if u.Expiry != nil {
		r.Expiry = *u.Expiry
	}
	if u.Account != nil {
		r.Account = *u.Account
	}
	if u.Region != nil {
		r.Region = *u.Region
	}
	if u.InstanceName != nil {
		r.InstanceName = *u.InstanceName
	}
	if u.OperatingSystem != nil {
		r.OperatingSystem = *u.OperatingSystem
	}
	if u.ConnectionProtocol != nil {
		r.ConnectionProtocol = *u.ConnectionProtocol
	}
}

// RentalFilter narrows a rental scan.
type RentalFilter struct {
	OwnerEmail string
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// CreateRentalRequest is the body of a rental creation request.
type CreateRentalRequest struct {
	Account         string    `json:"account"`
	Region          string    `json:"region"`
	InstanceType    string    `json:"instance_type"`
	OperatingSystem string    `json:"operating_system"`
	Expiry          time.Time `json:"expiry"`
	Email           string    `json:"email"`
	Username        string    `json:"username"`
	Group           string    `json:"group"`
	InstanceName    string    `json:"instance_name"`
}

// CreateRentalResult identifies a started provisioning operation.
type CreateRentalResult struct {
	RentalID    string `json:"stackset_id"`
	OperationID string `json:"operation_id"`
	ExecutionID string `json:"execution_id,omitempty"`
}

// UpdateRentalRequest carries parameter overrides for an existing rental.
type UpdateRentalRequest struct {
	InstanceType string `json:"instance_type"`
}

// ExtendRentalResult is returned after a successful extension.
type ExtendRentalResult struct {
	RentalID  string    `json:"stackset_id"`
	CanExtend bool      `json:"can_extend"`
	Expiry    time.Time `json:"expiry"`
}

// OperationResult is returned by asynchronous lifecycle calls.
type OperationResult struct {
	RentalID     string   `json:"stackset_id"`
	OperationIDs []string `json:"operation_ids,omitempty"`
	ExecutionID  string   `json:"execution_id,omitempty"`
}
