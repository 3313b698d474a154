package task

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ArchiverConfig contains retention settings for terminal tasks
type ArchiverConfig struct {
	TerminalMaxAge  time.Duration
	ArchiveMaxCount int
	Interval        time.Duration
}

// Archiver moves terminal tasks to the archive bucket on a schedule and
// keeps the archive bounded
type Archiver struct {
	storage *BoltStorage
	cfg     ArchiverConfig
	logger  *slog.Logger
	wg      sync.WaitGroup
	done    chan struct{}
}

// NewArchiver creates a new archiver
func NewArchiver(storage *BoltStorage, cfg ArchiverConfig, logger *slog.Logger) *Archiver {
	return &Archiver{
		storage: storage,
		cfg:     cfg,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start starts the archive loop
func (a *Archiver) Start(ctx context.Context) {
	if a.cfg.TerminalMaxAge <= 0 || a.cfg.Interval <= 0 {
		return
	}
	a.wg.Add(1)
	go a.loop(ctx)
	a.logger.Info("archiver started",
		"terminal_max_age", a.cfg.TerminalMaxAge,
		"archive_max_count", a.cfg.ArchiveMaxCount,
		"interval", a.cfg.Interval,
	)
}

// Stop stops the archiver and waits for the loop to finish
func (a *Archiver) Stop() {
	close(a.done)
	a.wg.Wait()
}

func (a *Archiver) loop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	// Run once immediately on start
	a.run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case <-ticker.C:
			a.run(ctx)
		}
	}
}

func (a *Archiver) run(ctx context.Context) {
	moved, err := a.storage.ArchiveTerminal(ctx, a.cfg.TerminalMaxAge)
	if err != nil {
		a.logger.Error("failed to archive terminal tasks", "error", err)
		return
	}
	if moved > 0 {
		a.logger.Info("archived terminal tasks", "moved", moved)
	}

	if a.cfg.ArchiveMaxCount > 0 {
		deleted, err := a.storage.PruneArchive(ctx, a.cfg.ArchiveMaxCount)
		if err != nil {
			a.logger.Error("failed to prune archive", "error", err)
			return
		}
		if deleted > 0 {
			a.logger.Info("pruned archive", "deleted", deleted)
		}
	}
}
