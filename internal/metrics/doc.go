// Package metrics provides Prometheus instrumentation for mediaflow.
//
// All collectors are registered with the default registry through promauto
// and prefixed with "mediaflow_". The daemon exposes them on /metrics via
// promhttp.Handler().
//
// # Metric Categories
//
// Processing:
//   - FilesProcessed: files reaching an outcome, by outcome
//   - ClaimConflicts: claims lost to another worker or session
//   - Retries: transient failures scheduled for another attempt
//   - EnrichDuration: wall time of one enrichment call, by media type
//
// Intake and batches:
//   - FilesDiscovered: candidates enqueued, by source (scan, watch, resume)
//   - DiscoveryErrors: unreadable directories or entries
//   - IntakeDepth: paths waiting to be batched
//   - Batches: batches run to completion
//   - CheckpointWrites: checkpoint rows written, by status
//
// Watcher:
//   - WatchEvents: raw fsnotify events, by op
//   - WatchTracked: paths currently settling
//
// Ledger:
//   - LedgerRecords: records by status, refreshed by [Collector]
package metrics
