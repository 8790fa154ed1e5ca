package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// SNSAPI is the subset of the SNS client in use.
type SNSAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSAlerter publishes alerts to an SNS topic.
type SNSAlerter struct {
	client   SNSAPI
	topicARN string
}

// NewSNSAlerter creates an SNSAlerter.
func NewSNSAlerter(client SNSAPI, topicARN string) *SNSAlerter {
	return &SNSAlerter{client: client, topicARN: topicARN}
}

// NewSNSAlerterFromConfig creates an SNSAlerter from an AWS configuration.
func NewSNSAlerterFromConfig(cfg aws.Config, topicARN string) *SNSAlerter {
	return NewSNSAlerter(sns.NewFromConfig(cfg), topicARN)
}

func (a *SNSAlerter) Alert(ctx context.Context, message string) error {
	body, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return err
	}
	if _, err := a.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(a.topicARN),
		Message:  aws.String(string(body)),
	}); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}
