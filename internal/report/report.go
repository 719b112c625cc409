// Package report assembles the end-of-session report from the session
// counters and the ledger.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/eargollo/mediaflow/internal/ledger"
	"github.com/eargollo/mediaflow/internal/lifecycle"
	"github.com/eargollo/mediaflow/internal/session"
)

// Source is the ledger view a report is built from.
type Source interface {
	Stats(ctx context.Context) (ledger.Counts, error)
	ListByStatus(ctx context.Context, status lifecycle.Status, limit int) ([]ledger.Record, error)
	ListBySession(ctx context.Context, sessionID string, status lifecycle.Status, limit int) ([]ledger.Record, error)
}

// BatchStats covers files that reached a terminal outcome in the session.
type BatchStats struct {
	TotalFiles            int64   `json:"total_files"`
	Successful            int64   `json:"successful"`
	Failed                int64   `json:"failed"`
	SuccessRate           float64 `json:"success_rate"` // percent
	TotalFacesDetected    int64   `json:"total_faces_detected"`
	FilesWithCaptions     int64   `json:"files_with_captions"`
	TotalProcessingTime   float64 `json:"total_processing_time"`   // seconds
	AverageProcessingTime float64 `json:"average_processing_time"` // seconds per file
}

// OverallStats covers the whole ledger.
type OverallStats struct {
	TotalFiles   int64            `json:"total_files"`
	StatusCounts map[string]int64 `json:"status_counts"`
}

// FailedFile is a terminal failure held in the ledger.
type FailedFile struct {
	Path      string `json:"path"`
	LastError string `json:"last_error"`
}

// Report is the JSON document written at the end of a session.
type Report struct {
	SessionID    string       `json:"session_id"`
	Timestamp    time.Time    `json:"timestamp"`
	BatchStats   BatchStats   `json:"batch_stats"`
	OverallStats OverallStats `json:"overall_stats"`
	FailedFiles  []FailedFile `json:"failed_files"`
	SkippedFiles []string     `json:"skipped_files"`
}

// Build assembles the report of sessionID.
func Build(ctx context.Context, src Source, sessionID string, totals session.Totals) (Report, error) {
	r := Report{
		SessionID:    sessionID,
		Timestamp:    time.Now().UTC(),
		FailedFiles:  []FailedFile{},
		SkippedFiles: []string{},
	}

	b := &r.BatchStats
	b.Successful = totals.Succeeded
	b.Failed = totals.Failed
	b.TotalFiles = b.Successful + b.Failed
	b.TotalFacesDetected = totals.Faces
	b.FilesWithCaptions = totals.Captions
	b.TotalProcessingTime = float64(totals.ProcessingMs) / 1000
	if b.TotalFiles > 0 {
		b.SuccessRate = float64(b.Successful) / float64(b.TotalFiles) * 100
		b.AverageProcessingTime = b.TotalProcessingTime / float64(b.TotalFiles)
	}

	counts, err := src.Stats(ctx)
	if err != nil {
		return r, fmt.Errorf("build report: %w", err)
	}
	r.OverallStats.TotalFiles = counts.Total()
	r.OverallStats.StatusCounts = make(map[string]int64, len(counts))
	for s, n := range counts {
		r.OverallStats.StatusCounts[string(s)] = n
	}

	// Every failed file, whichever session failed it: the exit code is
	// decided from the same ledger-wide count.
	failed, err := src.ListByStatus(ctx, lifecycle.Failed, 0)
	if err != nil {
		return r, fmt.Errorf("build report: %w", err)
	}
	for _, rec := range failed {
		r.FailedFiles = append(r.FailedFiles, FailedFile{Path: rec.Path, LastError: rec.LastError})
	}

	skipped, err := src.ListBySession(ctx, sessionID, lifecycle.Skipped, 0)
	if err != nil {
		return r, fmt.Errorf("build report: %w", err)
	}
	for _, rec := range skipped {
		r.SkippedFiles = append(r.SkippedFiles, rec.Path)
	}
	return r, nil
}

// FileName returns the report file name for a session.
func FileName(sessionID string) string {
	return "report_" + sessionID + ".json"
}

// Write stores r as indented JSON in dir and returns the file path.
func Write(r Report, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	path := filepath.Join(dir, FileName(r.SessionID))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create report: %w", err)
	}
	if err := Encode(f, r); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close report: %w", err)
	}
	return path, nil
}

// Encode writes r to w as indented JSON.
func Encode(w io.Writer, r Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

// WriteSummary prints a short human-readable summary of r.
func WriteSummary(w io.Writer, r Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	b := r.BatchStats
	fmt.Fprintf(tw, "Session\t%s\n", r.SessionID)
	fmt.Fprintf(tw, "Processed\t%d (%d ok, %d failed, %.1f%%)\n", b.TotalFiles, b.Successful, b.Failed, b.SuccessRate)
	fmt.Fprintf(tw, "Skipped\t%d\n", len(r.SkippedFiles))
	fmt.Fprintf(tw, "Faces / captions\t%d / %d\n", b.TotalFacesDetected, b.FilesWithCaptions)
	fmt.Fprintf(tw, "Processing time\t%.1fs (avg %.2fs)\n", b.TotalProcessingTime, b.AverageProcessingTime)

	statuses := make([]string, 0, len(r.OverallStats.StatusCounts))
	for s := range r.OverallStats.StatusCounts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	fmt.Fprintf(tw, "Ledger\t%d files\n", r.OverallStats.TotalFiles)
	for _, s := range statuses {
		fmt.Fprintf(tw, "  %s\t%d\n", s, r.OverallStats.StatusCounts[s])
	}
	return tw.Flush()
}
