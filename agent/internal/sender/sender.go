package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/obsidianstack/emitter/pkg/types"
)

// ErrNotQueued is returned when a record was rejected by the collector and
// could not be written to the queue either. The record is lost.
var ErrNotQueued = errors.New("record neither delivered nor queued")

// IdentitySource supplies the identity attached to every upload.
type IdentitySource interface {
	Identity() types.Identity
}

// Poster performs one upload attempt.
type Poster interface {
	PostForm(ctx context.Context, record types.Record, id types.Identity) types.Delivery
}

// Queue stores records that could not be delivered.
type Queue interface {
	Append(record types.Record) error
}

// Stats is a point-in-time copy of a Sender's counters.
type Stats struct {
	Delivered uint64
	Queued    uint64
	Failed    uint64
	Cancelled uint64
}

// Sender submits records. Safe for concurrent use; the order in which
// concurrently rejected records land in the queue is not defined.
type Sender struct {
	identity IdentitySource
	poster   Poster
	queue    Queue

	delivered atomic.Uint64
	queued    atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
}

// New creates a Sender from its collaborators.
func New(identity IdentitySource, poster Poster, queue Queue) *Sender {
	return &Sender{identity: identity, poster: poster, queue: queue}
}

// Send uploads record once and queues it on rejection. It returns nil when
// the record was delivered or queued.
func (s *Sender) Send(ctx context.Context, record types.Record) error {
	if err := record.Validate(); err != nil {
		s.failed.Add(1)
		return fmt.Errorf("sender: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return s.cancel(err)
	}

	id := s.identity.Identity()
	d := s.poster.PostForm(ctx, record, id)
	if d.Accepted() {
		s.delivered.Add(1)
		slog.Debug("sender: record delivered", "status", d.StatusCode)
		return nil
	}

	if err := ctx.Err(); err != nil {
		return s.cancel(err)
	}

	slog.Info("sender: collector did not accept record, queueing",
		"status", d.StatusCode, "reason", d.Reason)
	if err := s.queue.Append(record); err != nil {
		s.failed.Add(1)
		slog.Error("sender: could not queue record", "err", err)
		return fmt.Errorf("sender: %w: %w", ErrNotQueued, err)
	}
	s.queued.Add(1)
	return nil
}

// cancel accounts for a send abandoned because ctx is done. The record is
// neither posted again nor queued.
func (s *Sender) cancel(err error) error {
	s.cancelled.Add(1)
	slog.Debug("sender: cancelled, record dropped", "err", err)
	return err
}

// SendAsync runs Send in a new goroutine. The result is delivered exactly
// once on the returned channel, which never blocks the sender.
func (s *Sender) SendAsync(ctx context.Context, record types.Record) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- s.Send(ctx, record)
	}()
	return done
}

// Stats returns the current counters.
func (s *Sender) Stats() Stats {
	return Stats{
		Delivered: s.delivered.Load(),
		Queued:    s.queued.Load(),
		Failed:    s.failed.Load(),
		Cancelled: s.cancelled.Load(),
	}
}
