package awscloud

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"

	"github.com/bcnelson/instance-rental/internal/cloud"
	"github.com/bcnelson/instance-rental/internal/domain"
)

func toParameters(params []cloud.Parameter) []cftypes.Parameter {
	out := make([]cftypes.Parameter, 0, len(params))
	for _, p := range params {
		if p.UsePreviousValue {
			out = append(out, cftypes.Parameter{ParameterKey: aws.String(p.Key), UsePreviousValue: aws.Bool(true)})
			continue
		}
		out = append(out, cftypes.Parameter{ParameterKey: aws.String(p.Key), ParameterValue: aws.String(p.Value)})
	}
	return out
}

func fromParameters(params []cftypes.Parameter) []cloud.Parameter {
	out := make([]cloud.Parameter, 0, len(params))
	for _, p := range params {
		out = append(out, cloud.Parameter{Key: aws.ToString(p.ParameterKey), Value: aws.ToString(p.ParameterValue)})
	}
	return out
}

func (p *Provider) CreateStackSet(ctx context.Context, in cloud.CreateStackSetInput) (string, error) {
	out, err := p.home.CreateStackSet(ctx, &cloudformation.CreateStackSetInput{
		StackSetName:          aws.String(in.Name),
		Description:           aws.String(in.Description),
		TemplateURL:           aws.String(in.TemplateURL),
		Parameters:            toParameters(in.Parameters),
		AdministrationRoleARN: aws.String(p.cfg.AdminRoleARN),
		ExecutionRoleName:     aws.String(p.cfg.ExecutionRoleName),
		PermissionModel:       cftypes.PermissionModelsSelfManaged,
	})
	if err != nil {
		return "", translate(err, "create stack set "+in.Name)
	}
	p.logger.Info("created stack set", "id", aws.ToString(out.StackSetId))
	return aws.ToString(out.StackSetId), nil
}

func (p *Provider) CreateStackInstances(ctx context.Context, stackSetID, account, region string, overrides []cloud.Parameter) (string, error) {
	out, err := p.home.CreateStackInstances(ctx, &cloudformation.CreateStackInstancesInput{
		StackSetName:       aws.String(stackSetID),
		Accounts:           []string{account},
		Regions:            []string{region},
		ParameterOverrides: toParameters(overrides),
	})
	if err != nil {
		return "", translate(err, "create stack instances for "+stackSetID)
	}
	return aws.ToString(out.OperationId), nil
}

func (p *Provider) DescribeStackSet(ctx context.Context, stackSetID string) (*cloud.StackSet, error) {
	out, err := p.home.DescribeStackSet(ctx, &cloudformation.DescribeStackSetInput{StackSetName: aws.String(stackSetID)})
	if err != nil {
		return nil, translate(err, "describe stack set "+stackSetID)
	}
	return &cloud.StackSet{
		ID:         aws.ToString(out.StackSet.StackSetId),
		Status:     string(out.StackSet.Status),
		Parameters: fromParameters(out.StackSet.Parameters),
	}, nil
}

// UpdateStackSet reuses the previous template and the stack set's current
// capabilities.
func (p *Provider) UpdateStackSet(ctx context.Context, stackSetID string, params []cloud.Parameter) (string, error) {
	current, err := p.home.DescribeStackSet(ctx, &cloudformation.DescribeStackSetInput{StackSetName: aws.String(stackSetID)})
	if err != nil {
		return "", translate(err, "describe stack set "+stackSetID)
	}
	out, err := p.home.UpdateStackSet(ctx, &cloudformation.UpdateStackSetInput{
		StackSetName:          aws.String(stackSetID),
		UsePreviousTemplate:   aws.Bool(true),
		Parameters:            toParameters(params),
		Capabilities:          current.StackSet.Capabilities,
		AdministrationRoleARN: aws.String(p.cfg.AdminRoleARN),
		ExecutionRoleName:     aws.String(p.cfg.ExecutionRoleName),
	})
	if err != nil {
		return "", translate(err, "update stack set "+stackSetID)
	}
	return aws.ToString(out.OperationId), nil
}

func (p *Provider) DeleteStackInstances(ctx context.Context, stackSetID, account, region string) (string, error) {
	out, err := p.home.DeleteStackInstances(ctx, &cloudformation.DeleteStackInstancesInput{
		StackSetName: aws.String(stackSetID),
		Accounts:     []string{account},
		Regions:      []string{region},
		RetainStacks: aws.Bool(false),
	})
	if err != nil {
		return "", translate(err, "delete stack instances of "+stackSetID)
	}
	return aws.ToString(out.OperationId), nil
}

func (p *Provider) DeleteStackSet(ctx context.Context, stackSetID string) error {
	_, err := p.home.DeleteStackSet(ctx, &cloudformation.DeleteStackSetInput{StackSetName: aws.String(stackSetID)})
	return translate(err, "delete stack set "+stackSetID)
}

func (p *Provider) DescribeOperation(ctx context.Context, stackSetID, operationID string) (*cloud.Operation, error) {
	out, err := p.home.DescribeStackSetOperation(ctx, &cloudformation.DescribeStackSetOperationInput{
		StackSetName: aws.String(stackSetID),
		OperationId:  aws.String(operationID),
	})
	if err != nil {
		return nil, translate(err, "describe operation "+operationID)
	}
	op := out.StackSetOperation
	return &cloud.Operation{
		ID:           aws.ToString(op.OperationId),
		Action:       string(op.Action),
		Status:       string(op.Status),
		StatusReason: aws.ToString(op.StatusReason),
	}, nil
}

func (p *Provider) ListOperations(ctx context.Context, stackSetID string) ([]cloud.Operation, error) {
	var ops []cloud.Operation
	paginator := cloudformation.NewListStackSetOperationsPaginator(p.home, &cloudformation.ListStackSetOperationsInput{
		StackSetName: aws.String(stackSetID),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, translate(err, "list operations of "+stackSetID)
		}
		for _, s := range page.Summaries {
			ops = append(ops, cloud.Operation{
				ID:           aws.ToString(s.OperationId),
				Action:       string(s.Action),
				Status:       string(s.Status),
				StatusReason: aws.ToString(s.StatusReason),
			})
		}
	}
	return ops, nil
}

func (p *Provider) ListStackInstances(ctx context.Context, stackSetID string) ([]cloud.StackInstance, error) {
	var members []cloud.StackInstance
	paginator := cloudformation.NewListStackInstancesPaginator(p.home, &cloudformation.ListStackInstancesInput{
		StackSetName: aws.String(stackSetID),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, translate(err, "list stack instances of "+stackSetID)
		}
		for _, s := range page.Summaries {
			m := cloud.StackInstance{
				Account:      aws.ToString(s.Account),
				Region:       aws.ToString(s.Region),
				StackID:      aws.ToString(s.StackId),
				Status:       string(s.Status),
				StatusReason: aws.ToString(s.StatusReason),
			}
			if s.StackInstanceStatus != nil {
				m.DetailedStatus = string(s.StackInstanceStatus.DetailedStatus)
			}
			members = append(members, m)
		}
	}
	return members, nil
}

func (p *Provider) DescribeStack(ctx context.Context, account, region, stackID string) (*cloud.Stack, error) {
	remote, err := p.remoteFor(ctx, account, region)
	if err != nil {
		return nil, err
	}
	out, err := remote.CloudFormation.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(stackID)})
	if err != nil {
		return nil, translate(err, "describe stack "+stackID)
	}
	if len(out.Stacks) != 1 {
		return nil, domain.Errorf(domain.KindInvalidApplicationState, "expected one stack for %s, got %d", stackID, len(out.Stacks))
	}
	s := out.Stacks[0]
	stack := &cloud.Stack{
		ID:         aws.ToString(s.StackId),
		Status:     string(s.StackStatus),
		Parameters: make(map[string]string, len(s.Parameters)),
		Outputs:    make(map[string]string, len(s.Outputs)),
	}
	for _, param := range s.Parameters {
		stack.Parameters[aws.ToString(param.ParameterKey)] = aws.ToString(param.ParameterValue)
	}
	for _, o := range s.Outputs {
		stack.Outputs[aws.ToString(o.OutputKey)] = aws.ToString(o.OutputValue)
	}
	return stack, nil
}
