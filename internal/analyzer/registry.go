package analyzer

import (
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/zsiec/av1scope/internal/cache"
)

// Registry tracks open sessions by id. Sessions opened through it share
// one parse cache and one set of Options.
type Registry struct {
	log      *slog.Logger
	opts     Options
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates a registry. If opts.Logger is nil, slog.Default() is
// used; if opts.Cache is nil a cache with default budgets is created.
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Cache == nil {
		opts.Cache = cache.New(cache.WithLogger(opts.Logger))
	}
	return &Registry{
		log:      opts.Logger.With("component", "registry"),
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Cache returns the cache shared by the registry's sessions.
func (r *Registry) Cache() *cache.Cache {
	return r.opts.Cache
}

// Open analyzes the file at path and registers the session.
func (r *Registry) Open(path string) (*Session, error) {
	s, err := Open(path, r.opts)
	if err != nil {
		r.log.Warn("open failed", "path", path, "error", err)
		return nil, err
	}
	r.add(s)
	return s, nil
}

// OpenReader analyzes size bytes of rd and registers the session.
func (r *Registry) OpenReader(rd io.ReaderAt, size int64) (*Session, error) {
	s, err := OpenReader(rd, size, r.opts)
	if err != nil {
		return nil, err
	}
	r.add(s)
	return s, nil
}

func (r *Registry) add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	r.log.Info("session opened", "id", s.ID, "path", s.Path, "frames", s.catalog.Len())
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// List returns the open sessions, oldest first.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	slices.SortFunc(sessions, func(a, b *Session) int {
		return a.OpenedAt.Compare(b.OpenedAt)
	})
	return sessions
}

// Close unregisters and closes the session with id.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	r.log.Info("session closed", "id", id)
	return s.Close()
}

// CloseAll closes every session.
func (r *Registry) CloseAll() {
	for _, s := range r.List() {
		r.Close(s.ID)
	}
}
