// Package fingerprint computes cheap change-detection signals and the
// content hash of a file.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"
)

var (
	// ErrNotFound means the file disappeared between discovery and hashing.
	ErrNotFound = errors.New("file not found")
	// ErrUnreadable means the file exists but cannot be read right now
	// (permissions, lock, stale handle). Callers treat it as transient.
	ErrUnreadable = errors.New("file unreadable")
	// ErrNotRegular means the path is a directory, device or socket.
	ErrNotRegular = errors.New("not a regular file")
)

// Signals are the cheap change-detection values, available from a stat.
type Signals struct {
	Size    int64
	ModTime time.Time
}

// Equal compares signals at nanosecond mtime precision.
func (s Signals) Equal(o Signals) bool {
	return s.Size == o.Size && s.ModTime.Equal(o.ModTime)
}

// Known is what the caller already has on record for a file.
type Known struct {
	Signals
	Hash string
}

// Result is a fingerprint of a file.
type Result struct {
	Signals
	Hash string
	// Rehashed is false when the known hash was reused.
	Rehashed bool
	// BytesRead is the number of bytes streamed through the hash.
	BytesRead int64
}

const bufSize = 1 << 20 // 1 MiB

var bufPool = sync.Pool{New: func() any { b := make([]byte, bufSize); return &b }}

// Stat returns the cheap signals of a regular file.
func Stat(path string) (Signals, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Signals{}, classify(path, err)
	}
	if !info.Mode().IsRegular() {
		return Signals{}, fmt.Errorf("%s: %w", path, ErrNotRegular)
	}
	return Signals{Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Compute returns the signals and SHA-256 of the file at path. The content is
// only re-read when prev carries no hash or its signals differ from the
// current ones; otherwise prev.Hash is reused.
func Compute(path string, prev Known) (Result, error) {
	sig, err := Stat(path)
	if err != nil {
		return Result{}, err
	}
	if prev.Hash != "" && prev.Signals.Equal(sig) {
		return Result{Signals: sig, Hash: prev.Hash}, nil
	}

	hash, n, err := HashFile(path)
	if err != nil {
		return Result{}, err
	}
	return Result{Signals: sig, Hash: hash, Rehashed: true, BytesRead: n}, nil
}

// HashFile streams the file through SHA-256 with a bounded buffer and
// returns the hex digest and the number of bytes read.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, classify(path, err)
	}
	defer f.Close()

	bp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bp)

	h := sha256.New()
	n, err := io.CopyBuffer(h, f, *bp)
	if err != nil {
		return "", n, fmt.Errorf("hash %s: %w: %v", path, ErrUnreadable, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func classify(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %v", path, ErrUnreadable, err)
}
