package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Source tells the store where token entries come from. Inline JSON wins over
// the file path when both are set.
type Source struct {
	Inline string
	Path   string
}

func (s Source) configured() bool {
	return s.Inline != "" || s.Path != ""
}

// Store holds the live token index and swaps it atomically on reload, so
// request handlers never block on a reload in flight.
type Store struct {
	source  Source
	logger  *zap.Logger
	current atomic.Pointer[Index]
}

// NewStore builds a store and performs the initial load. A store with no
// configured source starts with an empty index.
func NewStore(source Source, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{source: source, logger: logger}

	empty, _ := BuildIndex(nil)
	s.current.Store(empty)

	if !source.configured() {
		logger.Warn("no tokens configured; every authenticated request will be rejected")
		return s, nil
	}
	if _, err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Index returns the current token index; never nil.
func (s *Store) Index() *Index {
	return s.current.Load()
}

// Reload re-reads the source and swaps the index, returning the token count.
// On failure the previous index stays live.
func (s *Store) Reload() (int, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case s.source.Inline != "":
		data = []byte(s.source.Inline)
	case s.source.Path != "":
		data, err = os.ReadFile(s.source.Path)
		if err != nil {
			return 0, fmt.Errorf("read tokens file: %w", err)
		}
	default:
		return 0, nil
	}

	entries, err := ParseTokens(data)
	if err != nil {
		return 0, err
	}
	ix, err := BuildIndex(entries)
	if err != nil {
		return 0, err
	}

	s.current.Store(ix)
	s.logger.Info("token index reloaded", zap.Int("tokens", ix.Len()))
	return ix.Len(), nil
}

// Watch reloads the index whenever the token file changes. It blocks until
// stop is closed and is a no-op for inline sources. Editors typically replace
// files rather than writing in place, so the watch covers the parent
// directory and filters events for the file name.
func (s *Store) Watch(stop <-chan struct{}) error {
	if s.source.Path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch tokens file: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.source.Path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch tokens dir %s: %w", dir, err)
	}

	target := filepath.Clean(s.source.Path)
	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-stop:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(200 * time.Millisecond)
				debounceC = debounce.C
			} else {
				debounce.Reset(200 * time.Millisecond)
			}
		case <-debounceC:
			debounce = nil
			debounceC = nil
			if _, err := s.Reload(); err != nil {
				s.logger.Error("token reload after file change failed", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("token file watcher error", zap.Error(err))
		}
	}
}
