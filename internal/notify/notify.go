// Package notify delivers owner emails and operator alerts.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcnelson/instance-rental/internal/logging"
)

// Email subjects.
const (
	SubjectProvisioned     = "Compute instance provisioned successfully"
	SubjectProvisionFailed = "Error provisioning compute instances"
	SubjectDeprovisioned   = "Your compute instance has been deprovisioned"
	SubjectExpiringSoon    = "Your compute instance will be deprovisioned soon"
)

// Template names.
const (
	TemplateProvisionSuccess = "provision_success"
	TemplateProvisionFailure = "provision_failure"
	TemplateCleanupComplete  = "cleanup_complete"
	TemplateCleanupNotice    = "cleanup_notice"
)

// Message is one email.
type Message struct {
	Subject  string
	Template string
	Data     InstanceData
	From     string
	To       []string
	CC       []string
}

// InstanceData is the template context describing one instance.
type InstanceData struct {
	Account      string
	Region       string
	OS           string
	InstanceType string
	InstanceName string
	IP           string
	Expiry       string
}

// Notifier sends emails.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// Alerter publishes operator alerts.
type Alerter interface {
	Alert(ctx context.Context, message string) error
}

// Addresses holds the sender identities for outgoing mail.
type Addresses struct {
	Project      string
	Notification string
	Admin        string
}

// Provisioning is the sender used for provisioning results.
func (a Addresses) Provisioning() string {
	return fmt.Sprintf("Instance Provisioning (%s) <%s>", a.Project, a.Notification)
}

// Cleanup is the sender used for expiry and teardown mail.
func (a Addresses) Cleanup() string {
	return fmt.Sprintf("Instance Cleanup (%s) <%s>", a.Project, a.Notification)
}

// FormatExpiry renders expiry as "15:04 UTC on March 3rd (5 hours from now)".
func FormatExpiry(expiry, now time.Time) string {
	hours := int64(expiry.Sub(now) / time.Hour)
	if expiry.Before(now) && expiry.Sub(now)%time.Hour != 0 {
		hours--
	}
	return fmt.Sprintf("%s %d%s (%d hours from now)",
		expiry.Format("15:04 MST on January"), expiry.Day(), ordinal(expiry.Day()), hours)
}

func ordinal(day int) string {
	if day%100 >= 11 && day%100 <= 13 {
		return "th"
	}
	switch day % 10 {
	case 1:
		return "st"
	case 2:
		return "nd"
	case 3:
		return "rd"
	}
	return "th"
}

// LogNotifier writes messages to the log instead of sending them.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.Ensure(logger).With("component", "notify")}
}

func (n *LogNotifier) Send(ctx context.Context, msg Message) error {
	text, _, err := Render(msg.Template, msg.Data)
	if err != nil {
		return err
	}
	n.logger.Info("email", "subject", msg.Subject, "from", msg.From, "to", msg.To, "cc", msg.CC, "body", text)
	return nil
}

// LogAlerter writes alerts to the log.
type LogAlerter struct {
	logger *slog.Logger
}

// NewLogAlerter creates a LogAlerter.
func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	return &LogAlerter{logger: logging.Ensure(logger).With("component", "alert")}
}

func (a *LogAlerter) Alert(ctx context.Context, message string) error {
	a.logger.Warn("alert", "message", message)
	return nil
}
