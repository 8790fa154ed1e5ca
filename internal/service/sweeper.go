package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/bcnelson/instance-rental/internal/domain"
	"github.com/bcnelson/instance-rental/internal/notify"
	"github.com/bcnelson/instance-rental/internal/workflow"
)

// DefaultNoticeHours are the hours before expiry at which owners are warned.
var DefaultNoticeHours = []int{24, 1}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Scanned         int      `json:"scanned"`
	CleanupsStarted []string `json:"cleanups_started"`
	NoticesSent     int      `json:"notices_sent"`
	Errors          int      `json:"errors"`
}

// Sweeper reclaims expired rentals and warns owners ahead of expiry.
type Sweeper struct {
	rentals     *Rentals
	noticeHours []int
	logger      *slog.Logger
}

// NewSweeper creates a Sweeper. Empty noticeHours uses DefaultNoticeHours.
func NewSweeper(rentals *Rentals, noticeHours []int) *Sweeper {
	if len(noticeHours) == 0 {
		noticeHours = DefaultNoticeHours
	}
	hours := append([]int(nil), noticeHours...)
	sort.Sort(sort.Reverse(sort.IntSlice(hours)))
	return &Sweeper{
		rentals:     rentals,
		noticeHours: hours,
		logger:      rentals.logger.With("component", "sweeper"),
	}
}

// Run scans every rental once. Failures on one rental do not stop the
// sweep; they are joined into the returned error.
func (w *Sweeper) Run(ctx context.Context) (*SweepReport, error) {
	s := w.rentals
	records, err := s.store.ListRentals(ctx, domain.RentalFilter{})
	if err != nil {
		return nil, fmt.Errorf("listing rentals: %w", err)
	}

	now := s.clock.Now()
	report := &SweepReport{Scanned: len(records), CleanupsStarted: []string{}}
	var errs []error

	for _, record := range records {
		if !record.Expiry.After(now) {
			if err := w.handOff(ctx, record); err != nil {
				errs = append(errs, err)
				continue
			}
			report.CleanupsStarted = append(report.CleanupsStarted, record.ID)
			continue
		}

		for _, h := range w.noticeHours {
			if !InNoticeWindow(record.Expiry, now, h) {
				continue
			}
			sent, err := w.notice(ctx, record)
			report.NoticesSent += sent
			if err != nil {
				errs = append(errs, err)
			}
		}
	}

	report.Errors = len(errs)
	w.logger.Info("sweep finished", "scanned", report.Scanned, "cleanups", len(report.CleanupsStarted),
		"notices", report.NoticesSent, "errors", report.Errors)
	return report, errors.Join(errs...)
}

// InNoticeWindow reports whether now falls in [expiry-(h+1) hours, expiry-h hours).
func InNoticeWindow(expiry, now time.Time, h int) bool {
	start := expiry.Add(-time.Duration(h+1) * time.Hour)
	end := expiry.Add(-time.Duration(h) * time.Hour)
	return !now.Before(start) && now.Before(end)
}

func (w *Sweeper) handOff(ctx context.Context, record *domain.RentalRecord) error {
	s := w.rentals
	if s.trigger == nil {
		return fmt.Errorf("no workflow trigger configured for cleanup of %s", record.ID)
	}
	if _, err := s.store.UpdateRental(ctx, record.ID, domain.RentalUpdate{
		StackStatus: domain.Ptr(domain.StackStatusDeleting),
	}); err != nil {
		return fmt.Errorf("marking %s for cleanup: %w", record.ID, err)
	}
	executionID, err := s.trigger.Start(ctx, workflow.Cleanup, workflow.Input{RentalID: record.ID, Email: record.Email})
	if err != nil {
		return fmt.Errorf("starting cleanup of %s: %w", record.ID, err)
	}
	s.metrics.ObserveSweep("cleanup")
	w.logger.Info("rental expired", "rental_id", record.ID, "expiry", record.Expiry, "execution_id", executionID)
	return nil
}

func (w *Sweeper) notice(ctx context.Context, record *domain.RentalRecord) (int, error) {
	s := w.rentals
	details, err := s.reconciler.InstanceDetails(ctx, []*domain.RentalRecord{record}, DetailOptions{})
	if err != nil {
		return 0, fmt.Errorf("reconciling %s: %w", record.ID, err)
	}

	sent := 0
	for _, d := range details {
		ip := record.PrivateIP
		if d.PrivateIP != nil {
			ip = *d.PrivateIP
		}
		msg := notify.Message{
			Subject:  notify.SubjectExpiringSoon,
			Template: notify.TemplateCleanupNotice,
			Data:     s.instanceData(record, d.Account, d.Region, ip),
			From:     s.settings.Addresses.Cleanup(),
			To:       []string{record.Email},
		}
		if err := s.notifier.Send(ctx, msg); err != nil {
			return sent, fmt.Errorf("sending expiry notice for %s: %w", record.ID, err)
		}
		sent++
		s.metrics.ObserveSweep("notice")
	}
	return sent, nil
}
