package daemon

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/meshsip/internal/directory"
)

// directoryRefresher reloads the phonebook CSV into the user store when the
// file changes. An unchanged file is not reloaded, so dynamic registrations
// survive until the phonebook is actually replaced.
type directoryRefresher struct {
	src      *directory.CSVSource
	users    *directory.Store
	interval time.Duration
	logger   *zap.Logger

	lastMod  time.Time
	lastSize int64
}

func newDirectoryRefresher(src *directory.CSVSource, users *directory.Store, interval time.Duration, logger *zap.Logger) *directoryRefresher {
	if interval <= 0 {
		interval = time.Hour
	}
	return &directoryRefresher{src: src, users: users, interval: interval, logger: logger}
}

// Run loads the phonebook immediately and then checks it on every interval.
func (r *directoryRefresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.refreshLogged()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshLogged()
		}
	}
}

func (r *directoryRefresher) refreshLogged() {
	n, changed, err := r.Refresh()
	switch {
	case err != nil:
		r.logger.Warn("phonebook refresh failed", zap.String("path", r.src.Path()), zap.Error(err))
	case changed:
		r.logger.Info("phonebook loaded", zap.String("path", r.src.Path()), zap.Int("users", n))
	}
}

// Refresh reloads the phonebook when its modification time or size changed.
// A failed load keeps the current table.
func (r *directoryRefresher) Refresh() (loaded int, changed bool, err error) {
	fi, err := os.Stat(r.src.Path())
	if err != nil {
		return 0, false, fmt.Errorf("stat phonebook: %w", err)
	}
	if fi.ModTime().Equal(r.lastMod) && fi.Size() == r.lastSize {
		return 0, false, nil
	}

	entries, err := r.src.Load()
	if err != nil {
		return 0, false, err
	}
	loaded = r.users.BulkReplaceFromDirectory(entries)
	if loaded < len(entries) {
		r.logger.Warn("phonebook entries skipped (duplicate, invalid or over capacity)",
			zap.Int("entries", len(entries)),
			zap.Int("loaded", loaded),
		)
	}
	r.lastMod = fi.ModTime()
	r.lastSize = fi.Size()
	return loaded, true, nil
}
