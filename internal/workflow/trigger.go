// Package workflow starts and runs the asynchronous provisioning, update
// and cleanup workflows.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bcnelson/instance-rental/internal/domain"
)

// Workflow names.
const (
	Provision = "provision"
	Update    = "update"
	Cleanup   = "cleanup"
)

// Input is the payload handed to a workflow.
type Input struct {
	RentalID    string             `json:"stackset_id"`
	Email       string             `json:"stackset_email,omitempty"`
	OperationID string             `json:"operation_id,omitempty"`
	UpdateLevel domain.UpdateLevel `json:"update_level,omitempty"`
}

// Trigger starts a named workflow and returns its execution id.
type Trigger interface {
	Start(ctx context.Context, name string, in Input) (string, error)
}

// Envelope is the message published for a workflow execution.
type Envelope struct {
	ExecutionID string `json:"execution_id"`
	Workflow    string `json:"workflow"`
	Input       Input  `json:"input"`
}

func validName(name string) error {
	switch name {
	case Provision, Update, Cleanup:
		return nil
	}
	return fmt.Errorf("%w: unknown workflow %q", domain.ErrInvalidInput, name)
}

func encode(in Input) (string, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("failed to encode workflow input: %w", err)
	}
	return string(b), nil
}
