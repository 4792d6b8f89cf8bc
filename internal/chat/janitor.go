package chat

import (
	"context"
	"time"

	"go.uber.org/zap"

	"huddle/internal/storage"
)

const (
	DefaultSweepInterval = 6 * time.Hour
	DefaultMaxIdle       = 24 * time.Hour
)

type JanitorOptions struct {
	Interval time.Duration
	MaxIdle  time.Duration
	// OnSweep, if set, is called after every successful pass.
	OnSweep func(*storage.SweepResult)
	// Blobs, if set, removes attachment content left without a session.
	Blobs BlobRemover
}

type BlobRemover interface {
	RemoveBlobs(ctx context.Context, keys []string) error
}

// Janitor periodically removes sessions nobody has joined for MaxIdle and
// prunes messages older than MaxIdle from the rest.
type Janitor struct {
	channel  *Channel
	interval time.Duration
	maxIdle  time.Duration
	onSweep  func(*storage.SweepResult)
	blobs    BlobRemover
	log      *zap.Logger
}

func NewJanitor(channel *Channel, opts JanitorOptions) *Janitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultSweepInterval
	}
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = DefaultMaxIdle
	}
	return &Janitor{
		channel:  channel,
		interval: opts.Interval,
		maxIdle:  opts.MaxIdle,
		onSweep:  opts.OnSweep,
		blobs:    opts.Blobs,
		log:      channel.log.Named("janitor"),
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		if _, err := j.Sweep(ctx, j.channel.now()); err != nil && ctx.Err() == nil {
			j.log.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs one cleanup pass as of now.
func (j *Janitor) Sweep(ctx context.Context, now time.Time) (*storage.SweepResult, error) {
	result, err := j.channel.store.Sweep(ctx, now.Add(-j.maxIdle))
	if err != nil {
		return nil, &PersistenceError{Op: "sweep", Err: err}
	}
	for _, id := range result.SessionIDs {
		j.channel.notify(id)
	}
	if result.MessagesDeleted > 0 {
		j.channel.notifyAll()
	}
	if j.blobs != nil && len(result.OrphanKeys) > 0 {
		// rows are gone already; a failed delete only leaks storage
		if err := j.blobs.RemoveBlobs(ctx, result.OrphanKeys); err != nil {
			j.log.Warn("remove blobs failed", zap.Error(err))
		}
	}
	if len(result.SessionIDs) > 0 || result.MessagesDeleted > 0 {
		j.log.Info("swept",
			zap.Int("sessions", len(result.SessionIDs)),
			zap.Int64("messages", result.MessagesDeleted),
			zap.Int("blobs", len(result.OrphanKeys)))
	}
	if j.onSweep != nil {
		j.onSweep(result)
	}
	return result, nil
}
