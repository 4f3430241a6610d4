package rvconfig

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// DefaultScratchDir is used when no other scratch root is usable.
const DefaultScratchDir = "/opt/data/tmp"

// ScratchOptions configures how the scratch root is chosen.
type ScratchOptions struct {
	// Dir is an explicit root, e.g. from --tmp-dir.
	Dir string
	// FallbackDir replaces DefaultScratchDir when set.
	FallbackDir string
	Logger      *slog.Logger
	// LookupEnv replaces os.LookupEnv when set.
	LookupEnv func(string) (string, bool)
}

// Scratch is the process scratch root. Tasks borrow subdirectories with
// Acquire or With; the root itself is never removed.
type Scratch struct {
	mu       sync.Mutex
	root     string
	opts     ScratchOptions
	fellBack bool
}

// NewScratch resolves a scratch root preferring dir.
func NewScratch(dir string, log *slog.Logger) *Scratch {
	return OpenScratch(ScratchOptions{Dir: dir, Logger: log})
}

var (
	sharedMu sync.Mutex
	shared   = make(map[string]*Scratch)
)

// SharedScratch returns the process-wide scratch for dir, resolving it on
// first use. Callers passing the same dir, including "", share one root.
func SharedScratch(dir string, log *slog.Logger) *Scratch {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if s, ok := shared[dir]; ok {
		return s
	}
	s := NewScratch(dir, log)
	shared[dir] = s
	return s
}

// OpenScratch resolves the scratch root: the explicit Dir, then TMPDIR, TEMP
// and TMP, then a fresh temporary directory. A candidate that cannot be
// created or written falls back to the fallback dir with one warning.
func OpenScratch(opts ScratchOptions) *Scratch {
	s := &Scratch{opts: opts}
	s.resolve(opts.Dir)
	return s
}

// Reset re-resolves the root preferring dir; the current root is the next
// candidate after the environment.
func (s *Scratch) Reset(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolve(dir)
}

func (s *Scratch) logger() *slog.Logger {
	if s.opts.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.opts.Logger
}

func (s *Scratch) resolve(explicit string) {
	lookup := s.opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	candidate := explicit
	if candidate == "" {
		for _, k := range []string{"TMPDIR", "TEMP", "TMP"} {
			if v, ok := lookup(k); ok && v != "" {
				candidate = v
				break
			}
		}
	}
	if candidate == "" {
		candidate = s.root
	}
	if candidate == "" {
		dir, err := os.MkdirTemp("", "rv-")
		if err == nil {
			candidate = dir
		}
	}

	log := s.logger()
	s.fellBack = false
	if err := usable(candidate); err != nil {
		fallback := s.opts.FallbackDir
		if fallback == "" {
			fallback = DefaultScratchDir
		}
		log.Warn("Root temporary directory cannot be used, falling back", "dir", candidate, "fallback", fallback, "error", err)
		candidate = fallback
		s.fellBack = true
		if err := os.MkdirAll(candidate, 0o755); err != nil {
			log.Error("Fallback temporary directory cannot be created", "dir", candidate, "error", err)
		}
	}
	s.root = candidate
	log.Debug("Temporary directory is", "dir", s.root)
}

// usable creates dir if needed and checks it can be written.
func usable(dir string) error {
	if dir == "" {
		return fmt.Errorf("no candidate directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	f, err := os.OpenFile(filepath.Join(dir, ".can_touch"), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Root returns the scratch root.
func (s *Scratch) Root() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}

// FellBack reports whether the root is the fallback dir.
func (s *Scratch) FellBack() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fellBack
}

// Acquire creates a fresh subdirectory of the root. The returned release
// removes it; calling release more than once is harmless.
func (s *Scratch) Acquire(prefix string) (string, func(), error) {
	root := s.Root()
	dir, err := os.MkdirTemp(root, prefix+"-")
	if err != nil {
		return "", func() {}, fmt.Errorf("acquire scratch dir: %w", err)
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			if filepath.Clean(dir) == filepath.Clean(root) {
				return
			}
			if err := os.RemoveAll(dir); err != nil {
				s.logger().Warn("Failed to remove scratch dir", "dir", dir, "error", err)
			}
		})
	}
	return dir, release, nil
}

// With runs fn with a fresh subdirectory that is removed when fn returns or
// panics.
func (s *Scratch) With(prefix string, fn func(dir string) error) error {
	dir, release, err := s.Acquire(prefix)
	if err != nil {
		return err
	}
	defer release()
	return fn(dir)
}
