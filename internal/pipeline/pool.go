package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eargollo/mediaflow/internal/enrich"
	"github.com/eargollo/mediaflow/internal/fingerprint"
	"github.com/eargollo/mediaflow/internal/ledger"
	"github.com/eargollo/mediaflow/internal/metrics"
	"github.com/eargollo/mediaflow/internal/retry"
	"github.com/eargollo/mediaflow/internal/session"
)

// PoolConfig configures a worker pool.
type PoolConfig struct {
	Workers       int
	EnrichTimeout time.Duration
}

// Pool processes batches of paths with a bounded number of workers. It is
// bound to one session.
type Pool struct {
	cfg       PoolConfig
	ledger    *ledger.Ledger
	retry     *retry.Manager
	enrich    enrich.Pipeline
	sessionID string
	counters  *session.Counters
}

// NewPool creates a Pool settling files under sessionID and accumulating
// into counters.
func NewPool(cfg PoolConfig, l *ledger.Ledger, rm *retry.Manager, p enrich.Pipeline, sessionID string, counters *session.Counters) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Pool{
		cfg:       cfg,
		ledger:    l,
		retry:     rm,
		enrich:    p,
		sessionID: sessionID,
		counters:  counters,
	}
}

// RunBatch processes every path of batch and returns once each one is
// settled (completed, terminally failed, skipped), lost to another claimer,
// or failed retryable because ctx was cancelled. Per-file failures never stop the
// batch; the returned error is a ledger infrastructure failure.
func (p *Pool) RunBatch(ctx context.Context, batch []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for _, path := range batch {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return p.process(gctx, path)
		})
	}
	return g.Wait()
}

// process drives one path until it settles. Transient failures wait out the
// backoff and claim the path again.
func (p *Pool) process(ctx context.Context, path string) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		// Detached so a claim that commits is never reported as cancelled.
		ok, err := p.ledger.Claim(context.WithoutCancel(ctx), path, p.sessionID)
		if err != nil {
			return err
		}
		if !ok {
			p.counters.Conflicts.Add(1)
			metrics.ClaimConflicts.Inc()
			slog.Debug("claim conflict", "path", path)
			return nil
		}

		cause, err := p.attempt(ctx, path)
		if err != nil {
			return err
		}
		if cause == nil {
			return nil
		}

		out, err := p.retry.Record(ctx, path, p.sessionID, cause)
		if errors.Is(err, ledger.ErrNotClaimed) {
			p.counters.Conflicts.Add(1)
			metrics.ClaimConflicts.Inc()
			return nil
		}
		if err != nil {
			return err
		}
		switch {
		case out.Kind == retry.Interrupted && !out.Terminal:
			metrics.FilesProcessed.WithLabelValues("interrupted").Inc()
			return nil
		case out.Terminal:
			p.counters.Failed.Add(1)
			metrics.FilesProcessed.WithLabelValues("failed").Inc()
			slog.Warn("file failed", "path", path, "kind", out.Kind, "attempts", out.ErrorCount, "error", cause)
			return nil
		}

		p.counters.Retries.Add(1)
		metrics.Retries.Inc()
		metrics.FilesProcessed.WithLabelValues("retry").Inc()
		slog.Info("retrying file", "path", path, "attempt", out.ErrorCount+1, "in", out.Delay, "error", cause)
		if retry.Wait(ctx, out.Delay) != nil {
			return nil
		}
	}
}

// attempt runs one claimed attempt. It returns the per-file failure to
// record (nil when the path was settled here) or an infrastructure error.
func (p *Pool) attempt(ctx context.Context, path string) (cause, err error) {
	writeCtx := context.WithoutCancel(ctx)

	rec, err := p.ledger.Get(writeCtx, path)
	if err != nil {
		return nil, fmt.Errorf("load claimed record: %w", err)
	}

	fp, err := fingerprint.Compute(path, fingerprint.Known{
		Signals: fingerprint.Signals{Size: rec.Size, ModTime: rec.ModTime},
		Hash:    rec.ContentHash,
	})
	switch {
	case errors.Is(err, fingerprint.ErrNotFound):
		return nil, p.skip(writeCtx, path, "file vanished")
	case err != nil:
		return err, nil
	case fp.Size == 0:
		return nil, p.skip(writeCtx, path, "empty file")
	}
	if err := p.ledger.SetFingerprint(writeCtx, path, p.sessionID, fp.Size, fp.ModTime, fp.Hash); err != nil {
		return nil, ignoreLostClaim(err)
	}

	start := time.Now()
	res, err := enrich.Invoke(ctx, p.enrich, enrich.Request{
		Path:        path,
		ContentHash: fp.Hash,
		MediaType:   rec.MediaType,
	}, p.cfg.EnrichTimeout)
	elapsed := time.Since(start)
	p.counters.ProcessingMs.Add(elapsed.Milliseconds())
	metrics.EnrichDuration.WithLabelValues(string(rec.MediaType)).Observe(elapsed.Seconds())
	if err != nil {
		return err, nil
	}

	err = p.ledger.Complete(writeCtx, path, p.sessionID, ledger.Completion{
		AssetID:          res.AssetID,
		FacesDetected:    res.FacesDetected,
		CaptionGenerated: res.CaptionGenerated,
	})
	if err != nil {
		return nil, ignoreLostClaim(err)
	}
	p.counters.Succeeded.Add(1)
	p.counters.Faces.Add(int64(res.FacesDetected))
	if res.CaptionGenerated {
		p.counters.Captions.Add(1)
	}
	metrics.FilesProcessed.WithLabelValues("completed").Inc()
	slog.Debug("file completed", "path", path, "asset", res.AssetID, "rehashed", fp.Rehashed, "took", elapsed)
	return nil, nil
}

func (p *Pool) skip(ctx context.Context, path, reason string) error {
	if err := p.ledger.Skip(ctx, path, p.sessionID, reason); err != nil {
		return ignoreLostClaim(err)
	}
	p.counters.Skipped.Add(1)
	metrics.FilesProcessed.WithLabelValues("skipped").Inc()
	slog.Info("file skipped", "path", path, "reason", reason)
	return nil
}

// ignoreLostClaim drops ErrNotClaimed: another session reset our claim and
// now owns the outcome.
func ignoreLostClaim(err error) error {
	if errors.Is(err, ledger.ErrNotClaimed) {
		slog.Warn("claim lost while processing", "error", err)
		return nil
	}
	return err
}
