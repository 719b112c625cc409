// Package enrich defines the contract between the processing engine and the
// external enrichment pipeline (metadata, captions, faces). The engine treats
// every Pipeline as a black box.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eargollo/mediaflow/internal/media"
	"github.com/eargollo/mediaflow/internal/retry"
)

// Request is the per-file input to a pipeline.
type Request struct {
	Path        string     `json:"path"`
	ContentHash string     `json:"content_hash"`
	MediaType   media.Type `json:"media_type"`
}

// Result is the structured outcome reported by a pipeline.
type Result struct {
	Success          bool   `json:"success"`
	AssetID          string `json:"asset_id,omitempty"`
	FacesDetected    int    `json:"faces_detected,omitempty"`
	CaptionGenerated bool   `json:"caption_generated,omitempty"`
	Error            string `json:"error,omitempty"`
	Retryable        bool   `json:"retryable,omitempty"`
}

// Err converts an unsuccessful Result into an error carrying its retry
// classification. It returns nil for successful results.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	msg := r.Error
	if msg == "" {
		msg = "enrichment reported failure"
	}
	if r.Retryable {
		return retry.MarkTransient(errors.New(msg))
	}
	return retry.MarkPermanent(errors.New(msg))
}

// Pipeline enriches one file. A returned error means the pipeline could not
// produce a Result at all (the equivalent of an exception); it is classified
// by the retry package.
type Pipeline interface {
	Enrich(ctx context.Context, req Request) (Result, error)
}

// Func adapts a plain function to Pipeline.
type Func func(ctx context.Context, req Request) (Result, error)

// Enrich calls f.
func (f Func) Enrich(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

// Invoke runs p for req under a per-file timeout and folds both failure
// channels (returned error, unsuccessful Result) into one error.
func Invoke(ctx context.Context, p Pipeline, req Request, timeout time.Duration) (Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res, err := p.Enrich(ctx, req)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		return res, err
	}
	if ctx.Err() != nil {
		// The pipeline ignored the deadline and returned late.
		return res, fmt.Errorf("enrich %s: %w", req.Path, ctx.Err())
	}
	return res, res.Err()
}

// Chain runs pipelines in order and merges their results: the first
// non-empty asset id wins, face counts add up, any caption counts. The
// first failure stops the chain.
func Chain(stages ...Pipeline) Pipeline {
	return Func(func(ctx context.Context, req Request) (Result, error) {
		merged := Result{Success: true}
		for _, p := range stages {
			res, err := p.Enrich(ctx, req)
			if err != nil {
				return res, err
			}
			if !res.Success {
				return res, nil
			}
			if merged.AssetID == "" {
				merged.AssetID = res.AssetID
			}
			merged.FacesDetected += res.FacesDetected
			merged.CaptionGenerated = merged.CaptionGenerated || res.CaptionGenerated
		}
		return merged, nil
	})
}
