package discover

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// candidate is a regular file found by the walker, before filtering.
type candidate struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// dirStack is an unbounded, concurrency-safe LIFO of directory paths.
// Popping the most recently pushed directory keeps the walk depth-first,
// so the frontier stays small on wide trees.
//
// Termination protocol:
//   - Push increments pending BEFORE enqueuing (caller must own the increment).
//   - Done decrements pending AFTER all children of a directory have been
//     pushed. When pending reaches 0, Done closes the stack and broadcasts.
//   - Close ends the walk early (cancellation); waiting workers wake up.
type dirStack struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []string
	pending atomic.Int64
	closed  bool
}

func newDirStack() *dirStack {
	s := &dirStack{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Push adds a directory. Must be called after incrementing pending.
func (s *dirStack) Push(dir string) {
	s.mu.Lock()
	s.items = append(s.items, dir)
	s.mu.Unlock()
	s.cond.Signal()
}

// Pop blocks until an item is available or the stack is closed.
// Returns ("", false) once closed.
func (s *dirStack) Pop() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.items) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return "", false
	}
	last := len(s.items) - 1
	item := s.items[last]
	s.items[last] = ""
	s.items = s.items[:last]
	return item, true
}

// Done must be called once per directory after all its child-directories have
// been pushed.
func (s *dirStack) Done() {
	if s.pending.Add(-1) == 0 {
		s.Close()
	}
}

// Close wakes every waiting Pop and makes further Pops return false.
func (s *dirStack) Close() {
	s.mu.Lock()
	s.closed = true
	s.items = nil
	s.mu.Unlock()
	s.cond.Broadcast()
}

// errorReporter is called for filesystem errors met during traversal.
type errorReporter func(path string, err error)

// walk traverses roots concurrently using numWorkers goroutines and sends
// every regular, non-excluded file to out. walk closes out when done or when
// ctx is cancelled. Symlinks are not followed.
func walk(ctx context.Context, roots []string, ex *Excluder, numWorkers int, out chan<- candidate, report errorReporter) {
	defer close(out)
	if numWorkers < 1 {
		numWorkers = 1
	}

	s := newDirStack()
	for _, root := range roots {
		s.pending.Add(1)
		s.Push(root)
	}

	stop := context.AfterFunc(ctx, s.Close)
	defer stop()

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			walkWorker(ctx, s, ex, out, report)
		}()
	}
	wg.Wait()
}

func walkWorker(ctx context.Context, s *dirStack, ex *Excluder, out chan<- candidate, report errorReporter) {
	for {
		dir, ok := s.Pop()
		if !ok {
			return
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			report(dir, err)
			s.Done()
			continue
		}

		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())

			if entry.IsDir() {
				if ex.SkipDir(path) {
					continue
				}
				// Increment BEFORE pushing so pending is never zero prematurely.
				s.pending.Add(1)
				s.Push(path)
				continue
			}
			if !entry.Type().IsRegular() || entry.Type()&fs.ModeSymlink != 0 {
				continue
			}
			if ex.SkipFile(path) {
				continue
			}

			info, err := entry.Info()
			if err != nil {
				report(path, err)
				continue
			}

			select {
			case <-ctx.Done():
				s.Close()
				return
			case out <- candidate{Path: path, Size: info.Size(), ModTime: info.ModTime()}:
			}
		}

		s.Done()
	}
}
