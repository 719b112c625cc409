package handlers

import (
	"context"

	"github.com/eargollo/mediaflow/internal/engine"
	"github.com/eargollo/mediaflow/internal/ledger"
	"github.com/eargollo/mediaflow/internal/lifecycle"
	"github.com/eargollo/mediaflow/internal/report"
)

// Daemon is the running watch session as seen by the API.
type Daemon interface {
	Status() engine.Status
	Report(ctx context.Context) (report.Report, error)
	Rescan(triggeredBy string) (engine.Rescan, error)
	Reprocess(ctx context.Context, all bool, paths ...string) (int64, error)
}

// Ledger is the read side of the ledger used by the API.
type Ledger interface {
	Stats(ctx context.Context) (ledger.Counts, error)
	Claimable(ctx context.Context) (int64, error)
	ListByStatus(ctx context.Context, status lifecycle.Status, limit int) ([]ledger.Record, error)
	Get(ctx context.Context, path string) (ledger.Record, error)
}
