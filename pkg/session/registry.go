package session

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/OpenTraceLab/OpenTraceSWD/pkg/apierr"
)

// Handle names an open session.
type Handle string

func (h Handle) String() string { return string(h) }

// Registry maps handles to live sessions. It is safe for concurrent use; the
// sessions it hands out are not.
type Registry struct {
	mu       sync.Mutex
	sessions map[Handle]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[Handle]*Session)}
}

// Open creates a session with every state axis at its initial value.
func (r *Registry) Open() (Handle, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", apierr.Wrap(apierr.OutOfMemory, "Open", err)
	}
	h := Handle(id.String())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[h] = newSession(h)
	return h, nil
}

// Close tears the session down, closing its probe library first, and forgets
// the handle.
func (r *Registry) Close(h Handle) error {
	r.mu.Lock()
	s, ok := r.sessions[h]
	delete(r.sessions, h)
	r.mu.Unlock()

	if !ok {
		return apierr.New(apierr.InvalidSession, "Close", "no session %q", h)
	}
	s.teardown()
	s.closed = true
	return nil
}

// IsOpen reports whether h names a live session.
func (r *Registry) IsOpen(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[h]
	return ok
}

// Lookup resolves a handle.
func (r *Registry) Lookup(h Handle) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[h]
	if !ok {
		return nil, apierr.New(apierr.InvalidSession, "Lookup", "no session %q", h)
	}
	return s, nil
}

// Handles lists the open sessions in a stable order.
func (r *Registry) Handles() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handle, 0, len(r.sessions))
	for h := range r.sessions {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var (
	registry = NewRegistry()

	defaultMu     sync.Mutex
	defaultHandle Handle
)

// Open creates a session in the process-wide registry.
func Open() (Handle, error) { return registry.Open() }

// Close closes a session of the process-wide registry.
func Close(h Handle) error { return registry.Close(h) }

// IsOpen reports whether h is open in the process-wide registry.
func IsOpen(h Handle) bool { return registry.IsOpen(h) }

// Lookup resolves h in the process-wide registry.
func Lookup(h Handle) (*Session, error) { return registry.Lookup(h) }

// Default returns the process-wide default session, opening it on first use
// and again after it has been closed. It is an ordinary registry entry:
// Close(Default().Handle()) closes it like any other session.
func Default() (*Session, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if s, err := registry.Lookup(defaultHandle); err == nil {
		return s, nil
	}
	h, err := registry.Open()
	if err != nil {
		return nil, err
	}
	defaultHandle = h
	return registry.Lookup(h)
}
