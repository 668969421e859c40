package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/model"
	"golang.org/x/sync/errgroup"
)

// Source reads the three calendar views for a creator. It is implemented by
// the pool-backed repository and by the booking transaction.
type Source interface {
	ListAvailableRules(ctx context.Context, creatorID string) ([]model.AvailabilityRule, error)
	ListBlockedDates(ctx context.Context, creatorID string) ([]model.BlockedDateRange, error)
	// ListActiveBookings returns pending and confirmed bookings ordered by
	// booking_date ascending.
	ListActiveBookings(ctx context.Context, creatorID string) ([]model.Booking, error)
}

type Resolver struct {
	src     Source
	timeout time.Duration
}

func NewResolver(src Source, timeout time.Duration) *Resolver {
	return &Resolver{src: src, timeout: timeout}
}

// Resolve fetches the three views concurrently. The first failure cancels the
// remaining fetches and is returned; no partial snapshot is produced.
func (r *Resolver) Resolve(ctx context.Context, creatorID string) (Snapshot, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var snap Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rules, err := r.src.ListAvailableRules(gctx, creatorID)
		if err != nil {
			return fmt.Errorf("list availability: %w", err)
		}
		snap.Availability = rules
		return nil
	})
	g.Go(func() error {
		blocked, err := r.src.ListBlockedDates(gctx, creatorID)
		if err != nil {
			return fmt.Errorf("list blocked dates: %w", err)
		}
		snap.BlockedDates = blocked
		return nil
	})
	g.Go(func() error {
		bookings, err := r.src.ListActiveBookings(gctx, creatorID)
		if err != nil {
			return fmt.Errorf("list bookings: %w", err)
		}
		snap.Bookings = bookings
		return nil
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Load reads the views one after another. Use it on sources that cannot run
// queries concurrently, such as a single transaction.
func Load(ctx context.Context, src Source, creatorID string) (Snapshot, error) {
	rules, err := src.ListAvailableRules(ctx, creatorID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list availability: %w", err)
	}
	blocked, err := src.ListBlockedDates(ctx, creatorID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list blocked dates: %w", err)
	}
	bookings, err := src.ListActiveBookings(ctx, creatorID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list bookings: %w", err)
	}
	return Snapshot{Availability: rules, BlockedDates: blocked, Bookings: bookings}, nil
}
