package uploader

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/obsidianstack/emitter/agent/internal/sender"
	"github.com/obsidianstack/emitter/pkg/types"
)

const (
	backoffInitial    = 1 * time.Second
	backoffMax        = 60 * time.Second
	backoffMultiplier = 2.0
)

// Queue is the subset of queue.Queue the uploader needs.
type Queue interface {
	ReadAll() ([]types.Record, error)
	TrimFront(n int) error
}

// Uploader resubmits queued records. Only one Uploader may drain a given
// queue at a time.
type Uploader struct {
	identity sender.IdentitySource
	poster   sender.Poster
	queue    Queue
	interval time.Duration

	// injectable for tests
	after func(time.Duration) <-chan time.Time
}

// New creates an Uploader that flushes every interval.
func New(identity sender.IdentitySource, poster sender.Poster, q Queue, interval time.Duration) *Uploader {
	return &Uploader{
		identity: identity,
		poster:   poster,
		queue:    q,
		interval: interval,
		after:    time.After,
	}
}

// Flush posts queued records in order until one is rejected, then removes the
// delivered ones. It returns how many were delivered. A rejection is not an
// error; the remaining records stay queued.
func (u *Uploader) Flush(ctx context.Context) (int, error) {
	n, _, err := u.flush(ctx)
	return n, err
}

// flush also reports whether the queue was fully drained.
func (u *Uploader) flush(ctx context.Context) (delivered int, drained bool, err error) {
	recs, err := u.queue.ReadAll()
	if err != nil {
		return 0, false, fmt.Errorf("uploader: %w", err)
	}
	if len(recs) == 0 {
		return 0, true, nil
	}

	id := u.identity.Identity()
	for _, r := range recs {
		if ctx.Err() != nil {
			break
		}
		d := u.poster.PostForm(ctx, r, id)
		if !d.Accepted() {
			slog.Debug("uploader: collector did not accept queued record",
				"status", d.StatusCode, "reason", d.Reason)
			break
		}
		delivered++
	}

	if delivered > 0 {
		if err := u.queue.TrimFront(delivered); err != nil {
			// The records were delivered but stay queued; they will be sent again.
			return delivered, false, fmt.Errorf("uploader: %w", err)
		}
		slog.Info("uploader: flushed queued records",
			"delivered", delivered, "remaining", len(recs)-delivered)
	}
	return delivered, delivered == len(recs), nil
}

// Run flushes the queue until ctx is cancelled.
func (u *Uploader) Run(ctx context.Context) {
	bo := newBackoff()

	for {
		if ctx.Err() != nil {
			return
		}

		wait := u.interval
		_, drained, err := u.flush(ctx)
		switch {
		case err != nil:
			wait = bo.next()
			slog.Error("uploader: flush failed, will retry", "err", err, "retry_in", wait)
		case !drained:
			wait = bo.next()
			slog.Warn("uploader: collector unavailable, will retry", "retry_in", wait)
		default:
			bo.reset()
		}

		select {
		case <-ctx.Done():
			return
		case <-u.after(wait):
		}
	}
}

// backoff implements truncated exponential backoff with jitter.
type backoff struct {
	current time.Duration
}

func newBackoff() *backoff {
	return &backoff{current: backoffInitial}
}

// next returns the current backoff duration and advances the internal state.
func (b *backoff) next() time.Duration {
	d := b.current
	// ±25 % jitter
	jitter := time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	d += jitter
	if d < 0 {
		d = 0
	}

	b.current = time.Duration(float64(b.current) * backoffMultiplier)
	if b.current > backoffMax {
		b.current = backoffMax
	}
	return d
}

func (b *backoff) reset() {
	b.current = backoffInitial
}
