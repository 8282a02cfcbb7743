package orchestrator

import (
	"sync"

	"github.com/tcprescott/multiworldhost/internal/multiserver"
)

// session pairs a live runtime with the roster it was seeded from. The
// roster never changes for the lifetime of a session, so it is captured
// once at start instead of re-reading the multidata on every query.
type session struct {
	server  *multiserver.Server
	players [][]string
}

// registry tracks live sessions and serializes lifecycle transitions
// per token. The invariant it guards: at most one live runtime exists
// for a token at any instant. Lifecycle operations (create, resume,
// delete, sweep) must hold the token lock across the whole transition;
// reads only take the registry mutex.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	locks    map[string]*sync.Mutex
}

func newRegistry() *registry {
	return &registry{
		sessions: make(map[string]*session),
		locks:    make(map[string]*sync.Mutex),
	}
}

// tokenLock returns the mutex serializing lifecycle transitions for a
// token. Locks are never removed: tokens are short strings and closed
// sessions can always be resumed later.
func (r *registry) tokenLock(token string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[token]
	if !ok {
		l = &sync.Mutex{}
		r.locks[token] = l
	}
	return l
}

func (r *registry) lookup(token string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[token]
	return s, ok
}

// put registers a live session. The caller must hold the token lock.
func (r *registry) put(token string, s *session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[token]; ok {
		return ErrAlreadyActive
	}
	r.sessions[token] = s
	return nil
}

// remove unregisters a session and returns it for teardown, or nil if
// the token was not live. The caller must hold the token lock.
func (r *registry) remove(token string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[token]
	delete(r.sessions, token)
	return s
}

func (r *registry) tokens() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.sessions))
	for token := range r.sessions {
		out = append(out, token)
	}
	return out
}
