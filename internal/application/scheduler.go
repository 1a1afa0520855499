package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"txvault/internal/domain"
)

type SchedulerConfig struct {
	Interval       time.Duration
	AutoCleanup    bool
	MaxBackupFiles int
}

// SchedulerUpdate carries partial settings for Reconfigure; nil fields keep
// their current value.
type SchedulerUpdate struct {
	Interval       *time.Duration
	AutoCleanup    *bool
	MaxBackupFiles *int
}

type SchedulerStatus struct {
	Running         bool                `json:"running"`
	CurrentHeight   uint64              `json:"current_height"`
	LastBackupBlock uint64              `json:"last_backup_block"`
	BlocksPending   uint64              `json:"blocks_pending"`
	TotalSegments   int                 `json:"total_segments"`
	LastBackupTime  time.Time           `json:"last_backup_time"`
	Cursor          domain.BackupCursor `json:"cursor"`
	HasCursor       bool                `json:"has_cursor"`
	Interval        time.Duration       `json:"interval"`
	AutoCleanup     bool                `json:"auto_cleanup"`
	MaxBackupFiles  int                 `json:"max_backup_files"`
}

// Scheduler drives periodic backup cycles and retention cleanup. Ticks are
// serialized: a new cycle never starts while the previous one is running,
// and Stop cancels the timer without aborting an in-flight cycle.
type Scheduler struct {
	engine   *Engine
	chain    ChainReader
	segments SegmentStore
	stream   StreamWriter

	mu      sync.Mutex
	cfg     SchedulerConfig
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	cycleMu sync.Mutex
}

func NewScheduler(engine *Engine, chain ChainReader, segments SegmentStore, stream StreamWriter, cfg SchedulerConfig) (*Scheduler, error) {
	if engine == nil || chain == nil || segments == nil {
		return nil, errors.New("scheduler dependencies must not be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Scheduler{engine: engine, chain: chain, segments: segments, stream: stream, cfg: cfg}, nil
}

// Start arms the timer and triggers one immediate cycle. Calling it while
// already running is a logged no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		slog.Warn("scheduler already running")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	interval := s.cfg.Interval
	done := s.done
	s.mu.Unlock()

	slog.Info("scheduler started", "interval", interval)
	go s.loop(ctx, interval, done)
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	// Stop cancels ctx to end the timer wait only. Cycles run on a detached
	// context so cancellation never reaches an in-flight backup's RPCs.
	cycleCtx := context.WithoutCancel(ctx)
	s.runCycle(cycleCtx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(cycleCtx)
		}
	}
}

// Stop cancels the timer; idempotent. A cycle in progress runs to
// completion, so partial results are still flushed as segments.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	cancel()
	<-done
	slog.Info("scheduler stopped")
}

// ForceRun executes one backup cycle immediately, serialized against timer
// ticks.
func (s *Scheduler) ForceRun(ctx context.Context) {
	s.runCycle(ctx)
}

// Reconfigure merges new settings into the live config; when running, the
// scheduler restarts so a new interval takes effect immediately.
func (s *Scheduler) Reconfigure(update SchedulerUpdate) {
	s.mu.Lock()
	if update.Interval != nil && *update.Interval > 0 {
		s.cfg.Interval = *update.Interval
	}
	if update.AutoCleanup != nil {
		s.cfg.AutoCleanup = *update.AutoCleanup
	}
	if update.MaxBackupFiles != nil && *update.MaxBackupFiles >= 0 {
		s.cfg.MaxBackupFiles = *update.MaxBackupFiles
	}
	running := s.running
	s.mu.Unlock()

	slog.Info("scheduler reconfigured", "running", running)
	if running {
		s.Stop()
		s.Start()
	}
}

// Status is a read-only snapshot; it performs no writes.
func (s *Scheduler) Status(ctx context.Context) SchedulerStatus {
	s.mu.Lock()
	status := SchedulerStatus{
		Running:        s.running,
		Interval:       s.cfg.Interval,
		AutoCleanup:    s.cfg.AutoCleanup,
		MaxBackupFiles: s.cfg.MaxBackupFiles,
	}
	s.mu.Unlock()

	if cursor, ok, err := s.segments.ReadCursor(ctx); err != nil {
		slog.Warn("status cursor read failed", "err", err)
	} else if ok {
		status.Cursor = cursor
		status.HasCursor = true
		status.LastBackupBlock = cursor.LastBackupBlock
		status.LastBackupTime = cursor.LastBackupTime
		status.TotalSegments = cursor.TotalSegments
	}
	if height, err := s.chain.CurrentHeight(ctx); err != nil {
		slog.Warn("status height fetch failed", "err", err)
	} else {
		status.CurrentHeight = height
		if height > status.LastBackupBlock {
			status.BlocksPending = height - status.LastBackupBlock
		}
	}
	return status
}

// runCycle never propagates failures: a broken cycle is logged and the timer
// keeps running.
func (s *Scheduler) runCycle(ctx context.Context) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("backup cycle panicked", "panic", r)
		}
	}()

	height, err := s.chain.CurrentHeight(ctx)
	if err != nil {
		slog.Warn("backup cycle skipped: height unavailable", "err", err)
		return
	}
	cursor, hasCursor, err := s.segments.ReadCursor(ctx)
	if err != nil {
		slog.Error("backup cycle skipped: cursor unreadable", "err", err)
		return
	}
	if hasCursor && height <= cursor.LastBackupBlock {
		slog.Debug("backup cycle skipped: no new blocks", "height", height, "cursor", cursor.LastBackupBlock)
		return
	}

	if _, err := s.engine.RunBackup(ctx, RangeOptions{ToBlock: &height}); err != nil {
		slog.Error("backup cycle failed", "err", err)
		return
	}

	s.mu.Lock()
	autoCleanup := s.cfg.AutoCleanup
	maxFiles := s.cfg.MaxBackupFiles
	s.mu.Unlock()
	if !autoCleanup || maxFiles <= 0 {
		return
	}
	deleted, err := s.segments.Cleanup(ctx, maxFiles)
	if err != nil {
		slog.Error("retention cleanup failed", "err", err)
		return
	}
	if len(deleted) > 0 {
		slog.Info("retention cleanup removed segments", "count", len(deleted))
		if s.stream != nil {
			if err := s.stream.PublishRetention(ctx, s.engine.cfg.Network, s.engine.cfg.ChainID, deleted); err != nil {
				slog.Warn("retention audit publish failed", "err", err)
			}
		}
	}
}
