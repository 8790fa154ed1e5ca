package workflow

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/google/uuid"
)

// SFNAPI is the part of the Step Functions client the trigger uses.
type SFNAPI interface {
	StartExecution(ctx context.Context, params *sfn.StartExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error)
}

// SFNTrigger starts executions of managed state machines, one per workflow.
type SFNTrigger struct {
	client   SFNAPI
	machines map[string]string
}

// NewSFNTrigger creates a trigger. machines maps workflow names to state
// machine ARNs.
func NewSFNTrigger(client SFNAPI, machines map[string]string) *SFNTrigger {
	return &SFNTrigger{client: client, machines: machines}
}

// NewSFNTriggerFromConfig creates a trigger from an AWS config.
func NewSFNTriggerFromConfig(cfg aws.Config, machines map[string]string) *SFNTrigger {
	return NewSFNTrigger(sfn.NewFromConfig(cfg), machines)
}

// Start starts an execution and returns its ARN.
func (t *SFNTrigger) Start(ctx context.Context, name string, in Input) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	arn := t.machines[name]
	if arn == "" {
		return "", fmt.Errorf("no state machine configured for workflow %s", name)
	}
	input, err := encode(in)
	if err != nil {
		return "", err
	}

	out, err := t.client.StartExecution(ctx, &sfn.StartExecutionInput{
		StateMachineArn: aws.String(arn),
		Name:            aws.String(uuid.NewString()),
		Input:           aws.String(input),
	})
	if err != nil {
		return "", fmt.Errorf("failed to start %s workflow for %s: %w", name, in.RentalID, err)
	}
	return aws.ToString(out.ExecutionArn), nil
}

// TaskAPI is the part of the Step Functions client used to answer task
// token callbacks.
type TaskAPI interface {
	SendTaskSuccess(ctx context.Context, params *sfn.SendTaskSuccessInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error)
	SendTaskFailure(ctx context.Context, params *sfn.SendTaskFailureInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskFailureOutput, error)
}

// TaskReporter answers state machine tasks that wait for a callback.
type TaskReporter struct {
	client TaskAPI
}

// NewTaskReporter creates a reporter.
func NewTaskReporter(client TaskAPI) *TaskReporter {
	return &TaskReporter{client: client}
}

// NewTaskReporterFromConfig creates a reporter from an AWS config.
func NewTaskReporterFromConfig(cfg aws.Config) *TaskReporter {
	return NewTaskReporter(sfn.NewFromConfig(cfg))
}

// SendTaskSuccess completes the task with output.
func (t *TaskReporter) SendTaskSuccess(ctx context.Context, token, output string) error {
	_, err := t.client.SendTaskSuccess(ctx, &sfn.SendTaskSuccessInput{
		TaskToken: aws.String(token),
		Output:    aws.String(output),
	})
	if err != nil {
		return fmt.Errorf("failed to send task success: %w", err)
	}
	return nil
}

// SendTaskFailure fails the task. Step Functions limits error names to 256
// characters and causes to 32768.
func (t *TaskReporter) SendTaskFailure(ctx context.Context, token, errorName, cause string) error {
	_, err := t.client.SendTaskFailure(ctx, &sfn.SendTaskFailureInput{
		TaskToken: aws.String(token),
		Error:     aws.String(truncate(errorName, 256)),
		Cause:     aws.String(truncate(cause, 32768)),
	})
	if err != nil {
		return fmt.Errorf("failed to send task failure: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
