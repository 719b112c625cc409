package watch

import (
	"os"
	"sync"
	"time"
)

// Stable is a file that has stopped changing.
type Stable struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// tracked is a path in the settling state: an event was seen and it has not
// yet been quiet for a full interval.
type tracked struct {
	size       int64
	modTime    time.Time
	lastChange time.Time
}

// Settler implements detected → settling → stable for watched paths. A path
// becomes stable once neither an event nor a size/mtime change has been
// seen for the settle interval. It is safe for concurrent use.
type Settler struct {
	interval time.Duration
	now      func() time.Time
	stat     func(string) (os.FileInfo, error)

	mu    sync.Mutex
	paths map[string]*tracked
}

// NewSettler creates a Settler with the given quiet interval.
func NewSettler(interval time.Duration) *Settler {
	return &Settler{
		interval: interval,
		now:      time.Now,
		stat:     os.Stat,
		paths:    make(map[string]*tracked),
	}
}

// Observe records an event for path, (re)starting its quiet period.
func (s *Settler) Observe(path string) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.paths[path]
	if !ok {
		t = &tracked{size: -1}
		s.paths[path] = t
	}
	t.lastChange = now
}

// Forget stops tracking path (removed or renamed away).
func (s *Settler) Forget(path string) {
	s.mu.Lock()
	delete(s.paths, path)
	s.mu.Unlock()
}

// Len returns the number of paths currently settling.
func (s *Settler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.paths)
}

// Poll re-stats every settling path and returns the ones that became
// stable, removing them from the tracked set. Paths that disappeared or
// are no longer regular files are dropped.
func (s *Settler) Poll() []Stable {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []Stable
	for path, t := range s.paths {
		info, err := s.stat(path)
		if err != nil || !info.Mode().IsRegular() {
			delete(s.paths, path)
			continue
		}
		if info.Size() != t.size || !info.ModTime().Equal(t.modTime) {
			t.size = info.Size()
			t.modTime = info.ModTime()
			t.lastChange = now
			continue
		}
		if now.Sub(t.lastChange) >= s.interval {
			out = append(out, Stable{Path: path, Size: t.size, ModTime: t.modTime})
			delete(s.paths, path)
		}
	}
	return out
}

// pollEvery bounds the polling period to a quarter of the settle interval.
func pollEvery(settle time.Duration) time.Duration {
	d := settle / 4
	switch {
	case d < 10*time.Millisecond:
		return 10 * time.Millisecond
	case d > 5*time.Second:
		return 5 * time.Second
	}
	return d
}
