// Package ledger records metered requests and answers sliding-window
// admission questions for every credential class.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	apperrors "github.com/example/gatekeeper/internal/errors"
	"github.com/example/gatekeeper/internal/models"
)

// Store is the persistence the ledger needs.
type Store interface {
	AppendUsage(ctx context.Context, u *models.Usage) error
	CountUsageSince(ctx context.Context, s models.Subject, since time.Time) (int64, error)
	UsageStats(ctx context.Context, s models.Subject, start, end time.Time) (*models.UsageStats, error)
	ListUsage(ctx context.Context, f models.UsageFilter) ([]*models.Usage, error)
}

// MaxHistoryDays bounds Daily.
const MaxHistoryDays = 365

// Decision is the outcome of an admission check.
type Decision struct {
	Limit     models.RateLimit
	Used      int64
	Remaining int64
	// ResetAt is when the oldest counted request leaves the window. It is
	// an upper bound; requests may free up earlier.
	ResetAt time.Time
}

// Ledger holds no state of its own. Concurrent Admit calls for the same
// subject may each observe the count before the others' usage lands, so
// over-admission is bounded by the number of in-flight checks.
type Ledger struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(store Store, logger *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{store: store, now: time.Now, logger: logger}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Append records one request. A zero Timestamp is stamped with now.
func (l *Ledger) Append(ctx context.Context, u *models.Usage) error {
	if u.Timestamp.IsZero() {
		u.Timestamp = l.now().UTC()
	}
	if err := l.store.AppendUsage(ctx, u); err != nil {
		return fmt.Errorf("appending usage for %s %s: %w", u.Subject.Kind, u.Subject.ID, err)
	}
	return nil
}

// CountInWindow counts requests with timestamp >= now - window.
func (l *Ledger) CountInWindow(ctx context.Context, s models.Subject, window time.Duration) (int64, error) {
	n, err := l.store.CountUsageSince(ctx, s, l.now().UTC().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("counting usage for %s %s: %w", s.Kind, s.ID, err)
	}
	return n, nil
}

// CountSince counts requests stamped at or after since.
func (l *Ledger) CountSince(ctx context.Context, s models.Subject, since time.Time) (int64, error) {
	n, err := l.store.CountUsageSince(ctx, s, since)
	if err != nil {
		return 0, fmt.Errorf("counting usage for %s %s: %w", s.Kind, s.ID, err)
	}
	return n, nil
}

// Admit decides whether one more request fits in the subject's window.
// It returns ErrRateLimited, alongside the decision, when the quota is
// used up.
func (l *Ledger) Admit(ctx context.Context, s models.Subject, limit models.RateLimit) (Decision, error) {
	d := Decision{Limit: limit}
	if limit.Unlimited() {
		d.Remaining = -1
		return d, nil
	}

	used, err := l.CountInWindow(ctx, s, limit.Window)
	if err != nil {
		return d, err
	}
	d.Used = used
	d.ResetAt = l.now().UTC().Add(limit.Window)
	if used >= int64(limit.Requests) {
		l.logger.Debug("rate limit reached",
			"subject_kind", s.Kind,
			"subject_id", s.ID,
			"used", used,
			"limit", limit.Requests,
			"window", limit.Window,
		)
		return d, apperrors.ErrRateLimited
	}
	d.Remaining = int64(limit.Requests) - used
	return d, nil
}

// Stats aggregates usage between start and end inclusive.
func (l *Ledger) Stats(ctx context.Context, s models.Subject, start, end time.Time) (*models.UsageStats, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end before start", apperrors.ErrInvalidRequest)
	}
	stats, err := l.store.UsageStats(ctx, s, start, end)
	if err != nil {
		return nil, fmt.Errorf("usage stats for %s %s: %w", s.Kind, s.ID, err)
	}
	return stats, nil
}

// List returns the usage rows matching f, newest first.
func (l *Ledger) List(ctx context.Context, f models.UsageFilter) ([]*models.Usage, error) {
	if !f.Start.IsZero() && !f.End.IsZero() && f.End.Before(f.Start) {
		return nil, fmt.Errorf("%w: end before start", apperrors.ErrInvalidRequest)
	}
	if f.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", apperrors.ErrInvalidRequest)
	}
	if p := f.StatusPrefix; p != "" {
		if _, err := strconv.ParseUint(p, 10, 16); err != nil || len(p) > 3 {
			return nil, fmt.Errorf("%w: status filter must be 1 to 3 digits", apperrors.ErrInvalidRequest)
		}
	}
	rows, err := l.store.ListUsage(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("listing usage for %s: %w", f.Subject.Kind, err)
	}
	return rows, nil
}

// Daily buckets the subject's requests by UTC day for the last days days,
// today included, oldest first. Days without traffic are zero.
func (l *Ledger) Daily(ctx context.Context, s models.Subject, days int) ([]models.DailyUsage, error) {
	if days < 1 || days > MaxHistoryDays {
		return nil, fmt.Errorf("%w: days must be between 1 and %d", apperrors.ErrInvalidRequest, MaxHistoryDays)
	}
	now := l.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	first := today.AddDate(0, 0, -(days - 1))

	rows, err := l.store.ListUsage(ctx, models.UsageFilter{Subject: s, Start: first})
	if err != nil {
		return nil, fmt.Errorf("usage history for %s %s: %w", s.Kind, s.ID, err)
	}
	out := make([]models.DailyUsage, days)
	for i := range out {
		out[i].Day = first.AddDate(0, 0, i)
	}
	for _, u := range rows {
		i := int(u.Timestamp.UTC().Sub(first) / (24 * time.Hour))
		if i < 0 || i >= days {
			continue
		}
		out[i].Requests++
		if u.StatusCode >= 400 {
			out[i].Failed++
		}
	}
	return out, nil
}
