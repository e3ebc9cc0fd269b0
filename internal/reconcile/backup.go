package reconcile

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultBackupTTL is how long a backup counts as recent.
const DefaultBackupTTL = 24 * time.Hour

// Backuper snapshots the truth tables under a suffix.
type Backuper interface {
	Backup(ctx context.Context, suffix string) error
}

// BackupTrigger takes at most one table backup per TTL. The last-backup
// time lives in memory only, so a restart allows one more backup.
type BackupTrigger struct {
	store Backuper
	ttl   time.Duration
	now   func() time.Time
	log   *zap.Logger

	mu   sync.Mutex
	last time.Time
}

// NewBackupTrigger creates a BackupTrigger. A non-positive ttl uses
// DefaultBackupTTL and a nil now uses time.Now.
func NewBackupTrigger(store Backuper, ttl time.Duration, now func() time.Time) *BackupTrigger {
	if ttl <= 0 {
		ttl = DefaultBackupTTL
	}
	if now == nil {
		now = time.Now
	}
	return &BackupTrigger{
		store: store,
		ttl:   ttl,
		now:   now,
		log:   zap.L().With(zap.String("component", "reconcile.backup")),
	}
}

// MaybeRun backs up the tables unless a backup was attempted within the
// TTL. ran reports whether an attempt was made. A failed attempt still
// counts toward the TTL.
func (b *BackupTrigger) MaybeRun(ctx context.Context) (ran bool, err error) {
	now := b.now()

	b.mu.Lock()
	if !b.last.IsZero() && now.Sub(b.last) < b.ttl {
		b.mu.Unlock()
		return false, nil
	}
	b.last = now
	b.mu.Unlock()

	suffix := now.UTC().Format("20060102")
	if err := b.store.Backup(ctx, suffix); err != nil {
		b.log.Warn("table backup failed", zap.String("suffix", suffix), zap.Error(err))
		return true, err
	}
	b.log.Info("table backup taken", zap.String("suffix", suffix))
	return true, nil
}
