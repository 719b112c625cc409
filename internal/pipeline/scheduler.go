package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/eargollo/mediaflow/internal/metrics"
	"github.com/eargollo/mediaflow/internal/retry"
)

// ErrCheckpoint is returned when a checkpoint cannot be written after
// retrying. It is fatal for the session.
var ErrCheckpoint = errors.New("checkpoint write failed")

// BatchRunner runs one batch to completion.
type BatchRunner interface {
	RunBatch(ctx context.Context, batch []string) error
}

// CheckpointFunc persists progress after batch number batchIndex (1-based).
type CheckpointFunc func(ctx context.Context, batchIndex int) error

// SchedulerConfig configures batching.
type SchedulerConfig struct {
	BatchSize          int
	CheckpointInterval int // batches between checkpoints
	// FlushInterval flushes a partial batch after this long without a new
	// path. Zero waits for the intake to close (batch runs).
	FlushInterval time.Duration
	// CheckpointRetries bounds the retries of a failing checkpoint write.
	CheckpointRetries uint64
	CheckpointBackoff time.Duration
}

// DefaultSchedulerConfig returns sensible defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		BatchSize:          50,
		CheckpointInterval: 10,
		CheckpointRetries:  3,
		CheckpointBackoff:  100 * time.Millisecond,
	}
}

// Scheduler drains an Intake into fixed-size batches and runs each one on a
// BatchRunner, checkpointing as it goes.
type Scheduler struct {
	cfg        SchedulerConfig
	in         *Intake
	runner     BatchRunner
	checkpoint CheckpointFunc

	batches int
}

// NewScheduler creates a Scheduler. checkpoint may be nil.
func NewScheduler(cfg SchedulerConfig, in *Intake, runner BatchRunner, checkpoint CheckpointFunc) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.CheckpointInterval < 1 {
		cfg.CheckpointInterval = def.CheckpointInterval
	}
	if cfg.CheckpointBackoff <= 0 {
		cfg.CheckpointBackoff = def.CheckpointBackoff
	}
	return &Scheduler{cfg: cfg, in: in, runner: runner, checkpoint: checkpoint}
}

// Batches returns how many batches have completed.
func (s *Scheduler) Batches() int { return s.batches }

// Run consumes the intake until it is closed and drained, or ctx is
// cancelled. A cancelled context stops submission of new batches; the
// in-flight batch winds down through the pool. A final checkpoint is
// written on every exit path.
func (s *Scheduler) Run(ctx context.Context) (err error) {
	defer func() {
		if s.checkpoint == nil || errors.Is(err, ErrCheckpoint) {
			return
		}
		if cerr := s.writeCheckpoint(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()

	batch := make([]string, 0, s.cfg.BatchSize)
	var (
		flush  *time.Timer
		flushC <-chan time.Time
	)
	stopFlush := func() {
		if flush != nil {
			flush.Stop()
			flushC = nil
		}
	}
	defer stopFlush()

	submit := func() error {
		stopFlush()
		if len(batch) == 0 {
			return nil
		}
		err := s.runBatch(ctx, batch)
		s.in.release(batch)
		batch = make([]string, 0, s.cfg.BatchSize)
		return err
	}

	for {
		select {
		case <-ctx.Done():
			s.in.release(batch)
			return ctx.Err()

		case path, ok := <-s.in.out():
			if !ok {
				return submit()
			}
			s.in.taken()
			batch = append(batch, path)
			if len(batch) >= s.cfg.BatchSize {
				if err := submit(); err != nil {
					return err
				}
				continue
			}
			if s.cfg.FlushInterval > 0 {
				if flush == nil {
					flush = time.NewTimer(s.cfg.FlushInterval)
				} else {
					flush.Reset(s.cfg.FlushInterval)
				}
				flushC = flush.C
			}

		case <-flushC:
			flushC = nil
			if err := submit(); err != nil {
				return err
			}
		}
	}
}

func (s *Scheduler) runBatch(ctx context.Context, batch []string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	start := time.Now()
	if err := s.runner.RunBatch(ctx, batch); err != nil {
		return fmt.Errorf("batch %d: %w", s.batches+1, err)
	}
	if ctx.Err() != nil {
		// The batch was cut short; it does not count as completed.
		return ctx.Err()
	}
	s.batches++
	metrics.Batches.Inc()
	slog.Info("batch complete", "batch", s.batches, "files", len(batch),
		"duration", time.Since(start).Round(time.Millisecond))

	if s.checkpoint != nil && s.batches%s.cfg.CheckpointInterval == 0 {
		return s.writeCheckpoint(ctx)
	}
	return nil
}

func (s *Scheduler) writeCheckpoint(ctx context.Context) error {
	err := retry.Do(ctx, s.cfg.CheckpointRetries, s.cfg.CheckpointBackoff, func(ctx context.Context) error {
		return s.checkpoint(ctx, s.batches)
	})
	if err != nil {
		metrics.CheckpointWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("%w after batch %d: %v", ErrCheckpoint, s.batches, err)
	}
	metrics.CheckpointWrites.WithLabelValues("ok").Inc()
	slog.Debug("checkpoint written", "batch", s.batches)
	return nil
}
