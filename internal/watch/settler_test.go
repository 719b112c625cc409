package watch

import (
	"io/fs"
	"os"
	"testing"
	"time"
)

type fakeInfo struct {
	size  int64
	mtime time.Time
}

func (f fakeInfo) Name() string       { return "f" }
func (f fakeInfo) Size() int64        { return f.size }
func (f fakeInfo) Mode() fs.FileMode  { return 0o644 }
func (f fakeInfo) ModTime() time.Time { return f.mtime }
func (f fakeInfo) IsDir() bool        { return false }
func (f fakeInfo) Sys() any           { return nil }

// fakeFS is a clock plus a single-file filesystem the test mutates.
type fakeFS struct {
	now   time.Time
	files map[string]fakeInfo
}

func newFakeSettler(interval time.Duration) (*Settler, *fakeFS) {
	f := &fakeFS{now: time.Unix(1700000000, 0), files: map[string]fakeInfo{}}
	s := NewSettler(interval)
	s.now = func() time.Time { return f.now }
	s.stat = func(p string) (os.FileInfo, error) {
		info, ok := f.files[p]
		if !ok {
			return nil, os.ErrNotExist
		}
		return info, nil
	}
	return s, f
}

func (f *fakeFS) write(p string, size int64) {
	f.files[p] = fakeInfo{size: size, mtime: f.now}
}

func TestSettlerEmitsOnceAfterQuietInterval(t *testing.T) {
	s, f := newFakeSettler(time.Second)
	const p = "/in/video.mp4"

	// Chunks every 300ms for 1.2s; each write is also an event.
	for i := 1; i <= 5; i++ {
		f.write(p, int64(i*100))
		s.Observe(p)
		if got := s.Poll(); len(got) != 0 {
			t.Fatalf("chunk %d: emitted %v while still growing", i, got)
		}
		f.now = f.now.Add(300 * time.Millisecond)
	}

	// Quiet from here on. Not yet a full interval since the last chunk.
	if got := s.Poll(); len(got) != 0 {
		t.Fatalf("emitted %v before the quiet interval elapsed", got)
	}
	f.now = f.now.Add(800 * time.Millisecond)
	got := s.Poll()
	if len(got) != 1 || got[0].Path != p || got[0].Size != 500 {
		t.Fatalf("Poll = %+v, want one stable %s of size 500", got, p)
	}

	f.now = f.now.Add(10 * time.Second)
	if got := s.Poll(); len(got) != 0 {
		t.Errorf("stable file emitted twice: %v", got)
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d after emit, want 0", s.Len())
	}
}

func TestSettlerSizeChangeWithoutEventRestarts(t *testing.T) {
	s, f := newFakeSettler(time.Second)
	const p = "/in/a.jpg"
	f.write(p, 10)
	s.Observe(p)
	s.Poll()

	f.now = f.now.Add(900 * time.Millisecond)
	f.write(p, 20) // no event delivered
	if got := s.Poll(); len(got) != 0 {
		t.Fatalf("emitted %v right after a size change", got)
	}
	f.now = f.now.Add(900 * time.Millisecond)
	if got := s.Poll(); len(got) != 0 {
		t.Fatalf("emitted %v before a full quiet interval", got)
	}
	f.now = f.now.Add(200 * time.Millisecond)
	if got := s.Poll(); len(got) != 1 {
		t.Fatalf("Poll = %v, want the file to be stable", got)
	}
}

func TestSettlerDropsVanished(t *testing.T) {
	s, f := newFakeSettler(time.Second)
	f.write("/in/a.jpg", 10)
	s.Observe("/in/a.jpg")
	delete(f.files, "/in/a.jpg")
	if got := s.Poll(); len(got) != 0 {
		t.Errorf("Poll = %v for vanished file", got)
	}
	if s.Len() != 0 {
		t.Errorf("vanished file still tracked")
	}

	f.write("/in/b.jpg", 10)
	s.Observe("/in/b.jpg")
	s.Forget("/in/b.jpg")
	if s.Len() != 0 {
		t.Errorf("forgotten file still tracked")
	}
}

func TestPollEveryBounds(t *testing.T) {
	cases := map[time.Duration]time.Duration{
		time.Millisecond: 10 * time.Millisecond,
		2 * time.Second:  500 * time.Millisecond,
		time.Minute:      5 * time.Second,
	}
	for in, want := range cases {
		if got := pollEvery(in); got != want {
			t.Errorf("pollEvery(%v) = %v, want %v", in, got, want)
		}
	}
}
