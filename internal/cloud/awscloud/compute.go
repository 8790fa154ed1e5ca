package awscloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/bcnelson/instance-rental/internal/cloud"
)

func (p *Provider) DescribeInstances(ctx context.Context, account, region string, ids []string) ([]cloud.Reservation, error) {
	remote, err := p.remoteFor(ctx, account, region)
	if err != nil {
		return nil, err
	}
	out, err := remote.EC2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids})
	if err != nil {
		return nil, fmt.Errorf("describe instances in %s/%s: %w", account, region, err)
	}
	reservations := make([]cloud.Reservation, 0, len(out.Reservations))
	for _, r := range out.Reservations {
		res := cloud.Reservation{}
		for _, inst := range r.Instances {
			res.Instances = append(res.Instances, fromInstance(inst))
		}
		reservations = append(reservations, res)
	}
	return reservations, nil
}

func fromInstance(inst ec2types.Instance) cloud.Instance {
	out := cloud.Instance{
		ID:        aws.ToString(inst.InstanceId),
		Type:      string(inst.InstanceType),
		PrivateIP: aws.ToString(inst.PrivateIpAddress),
	}
	if inst.State != nil {
		out.State = string(inst.State.Name)
	}
	if inst.Placement != nil {
		out.AvailabilityZone = aws.ToString(inst.Placement.AvailabilityZone)
	}
	return out
}

func (p *Provider) StartInstance(ctx context.Context, account, region, instanceID string) error {
	remote, err := p.remoteFor(ctx, account, region)
	if err != nil {
		return err
	}
	if _, err := remote.EC2.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{instanceID}}); err != nil {
		return fmt.Errorf("start instance %s: %w", instanceID, err)
	}
	p.logger.Info("started instance", "instance_id", instanceID, "account", account, "region", region)
	return nil
}

func (p *Provider) StopInstance(ctx context.Context, account, region, instanceID string) error {
	remote, err := p.remoteFor(ctx, account, region)
	if err != nil {
		return err
	}
	if _, err := remote.EC2.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{instanceID}}); err != nil {
		return fmt.Errorf("stop instance %s: %w", instanceID, err)
	}
	p.logger.Info("stopped instance", "instance_id", instanceID, "account", account, "region", region)
	return nil
}

func (p *Provider) DescribeSubnets(ctx context.Context, account, region string, subnetIDs []string) ([]cloud.Subnet, error) {
	remote, err := p.remoteFor(ctx, account, region)
	if err != nil {
		return nil, err
	}
	out, err := remote.EC2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{SubnetIds: subnetIDs})
	if err != nil {
		return nil, fmt.Errorf("describe subnets in %s/%s: %w", account, region, err)
	}
	subnets := make([]cloud.Subnet, 0, len(out.Subnets))
	for _, s := range out.Subnets {
		subnets = append(subnets, cloud.Subnet{
			ID:               aws.ToString(s.SubnetId),
			AvailabilityZone: aws.ToString(s.AvailabilityZone),
		})
	}
	return subnets, nil
}

func (p *Provider) InstanceTypeOfferings(ctx context.Context, account, region string) (map[string][]string, error) {
	remote, err := p.remoteFor(ctx, account, region)
	if err != nil {
		return nil, err
	}
	byAZ := make(map[string][]string)
	paginator := ec2.NewDescribeInstanceTypeOfferingsPaginator(remote.EC2, &ec2.DescribeInstanceTypeOfferingsInput{
		LocationType: ec2types.LocationTypeAvailabilityZone,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe instance type offerings in %s/%s: %w", account, region, err)
		}
		for _, o := range page.InstanceTypeOfferings {
			az := aws.ToString(o.Location)
			byAZ[az] = append(byAZ[az], string(o.InstanceType))
		}
	}
	return byAZ, nil
}
