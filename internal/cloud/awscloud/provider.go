// Package awscloud implements the cloud seams on CloudFormation stack sets
// and EC2, assuming a role in each member account.
package awscloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/bcnelson/instance-rental/internal/cloud"
	"github.com/bcnelson/instance-rental/internal/domain"
	"github.com/bcnelson/instance-rental/internal/logging"
)

// CloudFormationAPI is the subset of the CloudFormation client in use.
type CloudFormationAPI interface {
	CreateStackSet(ctx context.Context, in *cloudformation.CreateStackSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackSetOutput, error)
	CreateStackInstances(ctx context.Context, in *cloudformation.CreateStackInstancesInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackInstancesOutput, error)
	DescribeStackSet(ctx context.Context, in *cloudformation.DescribeStackSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStackSetOutput, error)
	UpdateStackSet(ctx context.Context, in *cloudformation.UpdateStackSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.UpdateStackSetOutput, error)
	DeleteStackInstances(ctx context.Context, in *cloudformation.DeleteStackInstancesInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteStackInstancesOutput, error)
	DeleteStackSet(ctx context.Context, in *cloudformation.DeleteStackSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteStackSetOutput, error)
	DescribeStackSetOperation(ctx context.Context, in *cloudformation.DescribeStackSetOperationInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStackSetOperationOutput, error)
	ListStackSetOperations(ctx context.Context, in *cloudformation.ListStackSetOperationsInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ListStackSetOperationsOutput, error)
	ListStackInstances(ctx context.Context, in *cloudformation.ListStackInstancesInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ListStackInstancesOutput, error)
	DescribeStacks(ctx context.Context, in *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
}

// EC2API is the subset of the EC2 client in use.
type EC2API interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	StartInstances(ctx context.Context, in *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	DescribeSubnets(ctx context.Context, in *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
	DescribeInstanceTypeOfferings(ctx context.Context, in *ec2.DescribeInstanceTypeOfferingsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceTypeOfferingsOutput, error)
}

// Remote holds clients bound to one member account and region.
type Remote struct {
	CloudFormation CloudFormationAPI
	EC2            EC2API
}

// RemoteFactory builds clients for a member account and region.
type RemoteFactory func(ctx context.Context, account, region string) (*Remote, error)

// Config holds the stack set roles.
type Config struct {
	AdminRoleARN         string
	ExecutionRoleName    string
	CrossAccountRoleName string
}

// Provider implements cloud.Provider.
type Provider struct {
	cfg    Config
	home   CloudFormationAPI
	remote RemoteFactory
	logger *slog.Logger

	mu      sync.Mutex
	remotes map[string]*Remote
}

var _ cloud.Provider = (*Provider)(nil)

// LoadConfig loads the default AWS configuration for region.
func LoadConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}

// New creates a Provider from an AWS configuration. Member account clients
// assume cfg.CrossAccountRoleName through STS.
func New(awsCfg aws.Config, cfg Config, logger *slog.Logger) *Provider {
	stsClient := sts.NewFromConfig(awsCfg)
	factory := func(ctx context.Context, account, region string) (*Remote, error) {
		remoteCfg := awsCfg.Copy()
		remoteCfg.Region = region
		if cfg.CrossAccountRoleName != "" {
			remoteCfg.Credentials = aws.NewCredentialsCache(assumeRole(stsClient, account, cfg.CrossAccountRoleName))
		}
		return &Remote{
			CloudFormation: cloudformation.NewFromConfig(remoteCfg),
			EC2:            ec2.NewFromConfig(remoteCfg),
		}, nil
	}
	return NewWithClients(cfg, cloudformation.NewFromConfig(awsCfg), factory, logger)
}

// NewWithClients creates a Provider from explicit clients.
func NewWithClients(cfg Config, home CloudFormationAPI, remote RemoteFactory, logger *slog.Logger) *Provider {
	return &Provider{
		cfg:     cfg,
		home:    home,
		remote:  remote,
		logger:  logging.Ensure(logger).With("component", "aws"),
		remotes: make(map[string]*Remote),
	}
}

func assumeRole(client *sts.Client, account, roleName string) aws.CredentialsProvider {
	roleARN := fmt.Sprintf("arn:aws:iam::%s:role/%s", account, roleName)
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		result, err := client.AssumeRole(ctx, &sts.AssumeRoleInput{
			RoleArn:         aws.String(roleARN),
			RoleSessionName: aws.String(account + "-" + roleName),
			DurationSeconds: aws.Int32(3600),
		})
		if err != nil {
			return aws.Credentials{}, fmt.Errorf("failed to assume role %s: %w", roleARN, err)
		}
		creds := aws.Credentials{
			AccessKeyID:     aws.ToString(result.Credentials.AccessKeyId),
			SecretAccessKey: aws.ToString(result.Credentials.SecretAccessKey),
			SessionToken:    aws.ToString(result.Credentials.SessionToken),
			Source:          "AssumeRole",
		}
		if result.Credentials.Expiration != nil {
			creds.CanExpire = true
			creds.Expires = *result.Credentials.Expiration
		}
		return creds, nil
	})
}

func (p *Provider) remoteFor(ctx context.Context, account, region string) (*Remote, error) {
	key := domain.RegionKey(account, region)
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.remotes[key]; ok {
		return r, nil
	}
	r, err := p.remote(ctx, account, region)
	if err != nil {
		return nil, fmt.Errorf("failed to create clients for %s: %w", key, err)
	}
	p.remotes[key] = r
	return r, nil
}

// translate maps provider errors onto domain errors.
func translate(err error, what string) error {
	if err == nil {
		return nil
	}
	var (
		ssNotFound *cftypes.StackSetNotFoundException
		opNotFound *cftypes.OperationNotFoundException
		siNotFound *cftypes.StackInstanceNotFoundException
		nameExists *cftypes.NameAlreadyExistsException
		inProgress *cftypes.OperationInProgressException
		notEmpty   *cftypes.StackSetNotEmptyException
	)
	switch {
	case errors.As(err, &ssNotFound), errors.As(err, &opNotFound), errors.As(err, &siNotFound):
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	case errors.As(err, &nameExists):
		return fmt.Errorf("%s: %w", what, domain.ErrAlreadyExists)
	case errors.As(err, &notEmpty):
		return fmt.Errorf("%s: %w", what, domain.ErrConflict)
	case errors.As(err, &inProgress):
		return domain.Wrap(domain.KindInProgress, err, domain.ErrTryLater.Message)
	}
	return fmt.Errorf("%s: %w", what, err)
}
