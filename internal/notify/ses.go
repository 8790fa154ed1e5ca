package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/bcnelson/instance-rental/internal/logging"
)

// SESAPI is the subset of the SES client in use.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SES sends email through Amazon SES.
type SES struct {
	client SESAPI
	logger *slog.Logger
}

// NewSES creates an SES notifier.
func NewSES(client SESAPI, logger *slog.Logger) *SES {
	return &SES{client: client, logger: logging.Ensure(logger).With("component", "notify")}
}

// NewSESFromConfig creates an SES notifier from an AWS configuration.
func NewSESFromConfig(cfg aws.Config, logger *slog.Logger) *SES {
	return NewSES(sesv2.NewFromConfig(cfg), logger)
}

func (s *SES) Send(ctx context.Context, msg Message) error {
	text, html, err := Render(msg.Template, msg.Data)
	if err != nil {
		return err
	}
	dest := &sestypes.Destination{ToAddresses: msg.To}
	if len(msg.CC) > 0 {
		dest.CcAddresses = msg.CC
	}
	out, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination:      dest,
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(msg.Subject)},
				Body: &sestypes.Body{
					Text: &sestypes.Content{Data: aws.String(text)},
					Html: &sestypes.Content{Data: aws.String(html)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send email %q: %w", msg.Subject, err)
	}
	s.logger.Info("sent email", "subject", msg.Subject, "to", msg.To, "message_id", aws.ToString(out.MessageId))
	return nil
}
