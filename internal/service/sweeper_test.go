package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/bcnelson/instance-rental/internal/notify"
	"github.com/bcnelson/instance-rental/internal/service"
	"github.com/bcnelson/instance-rental/internal/workflow"
)

func TestInNoticeWindow(t *testing.T) {
	expiry := time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		until time.Duration
		hours int
		want  bool
	}{
		{"window start is inclusive", 25 * time.Hour, 24, true},
		{"inside", 24*time.Hour + 30*time.Minute, 24, true},
		{"window end is exclusive", 24 * time.Hour, 24, false},
		{"too early", 26 * time.Hour, 24, false},
		{"last hour window", 90 * time.Minute, 1, true},
		{"final hour", 30 * time.Minute, 1, false},
		{"zero hour window", 30 * time.Minute, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := service.InNoticeWindow(expiry, expiry.Add(-tt.until), tt.hours)
			if got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestSweepHandsOffExpiredAndWarnsOwners(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	expiring := f.create(t, alice, 3*time.Hour)
	f.create(t, bob, 48*time.Hour)
	f.create(t, bob, 72*time.Hour)

	f.clock.Advance(23*time.Hour + 30*time.Minute)
	sweeper := service.NewSweeper(f.rentals, []int{24, 1})
	report, err := sweeper.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Scanned != 3 {
		t.Errorf("Expected 3 scanned, got %d", report.Scanned)
	}
	if len(report.CleanupsStarted) != 1 || report.CleanupsStarted[0] != expiring {
		t.Errorf("Expected cleanup of %s, got %v", expiring, report.CleanupsStarted)
	}
	cleanups := f.trigger.named(workflow.Cleanup)
	if len(cleanups) != 1 || cleanups[0].RentalID != expiring {
		t.Errorf("Expected exactly one hand-off, got %+v", cleanups)
	}

	if report.NoticesSent != 1 {
		t.Fatalf("Expected 1 notice, got %d", report.NoticesSent)
	}
	msg := f.notifier.messages[0]
	if msg.Subject != notify.SubjectExpiringSoon || msg.To[0] != bob.Email {
		t.Errorf("Unexpected notice %q to %v", msg.Subject, msg.To)
	}
	if msg.From != "Instance Cleanup (rental) <noreply@example.com>" {
		t.Errorf("Unexpected sender %s", msg.From)
	}
	if msg.Data.InstanceName != "dev box" || msg.Data.IP == "" {
		t.Errorf("Expected instance data in notice, got %+v", msg.Data)
	}
}

func TestSweepWithNothingDue(t *testing.T) {
	f := newFixture(t)
	f.create(t, alice, 72*time.Hour)

	report, err := service.NewSweeper(f.rentals, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(report.CleanupsStarted) != 0 || report.NoticesSent != 0 {
		t.Errorf("Expected no actions, got %+v", report)
	}
}
