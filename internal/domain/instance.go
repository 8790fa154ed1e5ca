package domain

import "time"

// Stack instance statuses reported by the orchestration provider.
const (
	StackInstanceCurrent = "CURRENT"

	DetailedStatusPending   = "PENDING"
	DetailedStatusRunning   = "RUNNING"
	DetailedStatusSucceeded = "SUCCEEDED"
	DetailedStatusFailed    = "FAILED"
	DetailedStatusCancelled = "CANCELLED"
)

// Operation statuses reported by the orchestration provider.
const (
	OperationQueued    = "QUEUED"
	OperationRunning   = "RUNNING"
	OperationStopping  = "STOPPING"
	OperationSucceeded = "SUCCEEDED"
	OperationFailed    = "FAILED"
	OperationStopped   = "STOPPED"
)

// DefaultAcceptableStatuses are the stack statuses listed by default.
var DefaultAcceptableStatuses = []string{
	"CREATE_IN_PROGRESS",
	"CREATE_COMPLETE",
	"UPDATE_IN_PROGRESS",
	"UPDATE_COMPLETE",
}

// UpdateLevel selects how far an update check looks.
type UpdateLevel string

const (
	// UpdateLevelStackSet waits for a parameter update operation.
	UpdateLevelStackSet UpdateLevel = "stack_set"
	// UpdateLevelInstance waits only for the live instance to settle.
	UpdateLevelInstance UpdateLevel = "instance"
)

// EnrichedInstance is a rental joined with live infrastructure state.
type EnrichedInstance struct {
	RentalID               string    `json:"stackset_id"`
	StackID                string    `json:"stack_id"`
	StackStatus            string    `json:"stack_status"`
	Account                string    `json:"account_id"`
	Region                 string    `json:"region"`
	AvailabilityZone       string    `json:"availability_zone,omitempty"`
	InstanceID             *string   `json:"instance_id"`
	PrivateIP              *string   `json:"private_ip"`
	InstanceStatus         *string   `json:"instance_status"`
	Username               string    `json:"username"`
	Email                  string    `json:"email"`
	Group                  string    `json:"group"`
	InstanceName           string    `json:"instance_name"`
	InstanceType           string    `json:"instance_type"`
	OperatingSystem        string    `json:"operating_system"`
	ConnectionProtocol     string    `json:"connection_protocol"`
	Expiry                 time.Time `json:"expiry"`
	ExtensionCount         int       `json:"extension_count"`
	CanExtend              bool      `json:"can_extend"`
	AvailableInstanceTypes []string  `json:"available_instance_types"`
}
