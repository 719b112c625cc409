package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Processing metrics
var (
	FilesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaflow_files_processed_total",
			Help: "Files reaching an outcome in a worker",
		},
		[]string{"outcome"}, // "completed", "failed", "retry", "skipped", "interrupted"
	)

	ClaimConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediaflow_claim_conflicts_total",
			Help: "Claims that found the file already taken or no longer claimable",
		},
	)

	Retries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediaflow_retries_total",
			Help: "Transient failures scheduled for another attempt",
		},
	)

	EnrichDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediaflow_enrich_duration_seconds",
			Help:    "Duration of one enrichment call in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"media_type"},
	)
)

// Intake and batch metrics
var (
	FilesDiscovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaflow_files_discovered_total",
			Help: "Candidate files handed to the intake",
		},
		[]string{"source"}, // "scan", "watch", "resume"
	)

	DiscoveryErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediaflow_discovery_errors_total",
			Help: "Directories or entries that could not be read during discovery",
		},
	)

	IntakeDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediaflow_intake_depth",
			Help: "Paths waiting in the intake queue",
		},
	)

	Batches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediaflow_batches_total",
			Help: "Batches run to completion",
		},
	)

	CheckpointWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaflow_checkpoint_writes_total",
			Help: "Checkpoint writes by status",
		},
		[]string{"status"}, // "ok", "error"
	)
)

// Watcher metrics
var (
	WatchEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaflow_watch_events_total",
			Help: "File system events received by the watcher",
		},
		[]string{"op"},
	)

	WatchTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediaflow_watch_tracked_paths",
			Help: "Paths currently settling in the watcher",
		},
	)
)

// Ledger metrics
var (
	LedgerRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mediaflow_ledger_records",
			Help: "Ledger records by lifecycle status",
		},
		[]string{"status"},
	)

	SessionRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediaflow_session_running",
			Help: "Whether a processing session is active (1 = running, 0 = idle)",
		},
	)
)
