package discover

import (
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// DefaultExcludes are gitignore-style patterns applied to every walk and
// every watch: OS metadata, partial downloads and editor temp files.
var DefaultExcludes = []string{
	".DS_Store", "Thumbs.db", "desktop.ini",
	"*.tmp", "*.temp", "*.part", "*.partial", "*.crdownload", "*.download",
	"*.swp",
}

// skipDirNames are directory names never descended into. Some contain
// characters ($) that gitignore patterns cannot express portably.
var skipDirNames = map[string]bool{
	"@eaDir":                    true,
	"$RECYCLE.BIN":              true,
	".Trashes":                  true,
	".Spotlight-V100":           true,
	".fseventsd":                true,
	"System Volume Information": true,
	"lost+found":                true,
}

// Excluder decides which files and directories under a root are ignored.
// Hidden directories are always skipped.
type Excluder struct {
	root   string
	ignore *gitignore.GitIgnore
	dirs   map[string]struct{}
}

// NewExcluder compiles DefaultExcludes plus patterns, matched relative to root.
func NewExcluder(root string, patterns ...string) *Excluder {
	lines := append(append([]string{}, DefaultExcludes...), patterns...)
	return &Excluder{
		root:   filepath.Clean(root),
		ignore: gitignore.CompileIgnoreLines(lines...),
		dirs:   make(map[string]struct{}),
	}
}

// WithoutDir returns a copy that also skips the absolute directory dir.
func (e *Excluder) WithoutDir(dir string) *Excluder {
	c := &Excluder{root: e.root, ignore: e.ignore, dirs: make(map[string]struct{}, len(e.dirs)+1)}
	for d := range e.dirs {
		c.dirs[d] = struct{}{}
	}
	c.dirs[filepath.Clean(dir)] = struct{}{}
	return c
}

// SkipDir reports whether the directory at path must not be walked.
func (e *Excluder) SkipDir(path string) bool {
	path = filepath.Clean(path)
	if _, ok := e.dirs[path]; ok {
		return true
	}
	name := filepath.Base(path)
	if skipDirNames[name] {
		return true
	}
	if path != e.root && strings.HasPrefix(name, ".") {
		return true
	}
	return e.ignore.MatchesPath(e.rel(path) + "/")
}

// SkipFile reports whether the file at path is ignored.
func (e *Excluder) SkipFile(path string) bool {
	return e.ignore.MatchesPath(e.rel(path))
}

// Within reports whether path lies under the root and no excluded directory.
// Used by the watcher, which sees events for arbitrary paths.
func (e *Excluder) Within(path string) bool {
	rel := e.rel(path)
	if rel == "." {
		return true
	}
	if strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return false
	}
	dir := filepath.Dir(filepath.Clean(path))
	for dir != e.root && len(dir) > len(e.root) {
		if e.SkipDir(dir) {
			return false
		}
		dir = filepath.Dir(dir)
	}
	return true
}

func (e *Excluder) rel(path string) string {
	rel, err := filepath.Rel(e.root, path)
	if err != nil {
		return filepath.Base(path)
	}
	return filepath.ToSlash(rel)
}
