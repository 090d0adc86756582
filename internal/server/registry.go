package server

import (
	"regexp"
	"sync"

	"github.com/pkg/errors"

	"github.com/menta2k/image-annotator/pkg/session"
)

// DefaultSessionID is used when a request carries no sid
const DefaultSessionID = "default"

var (
	// ErrInvalidSessionID is returned for ids outside [A-Za-z0-9_-]{1,64}
	ErrInvalidSessionID = errors.New("invalid session id")
	// ErrTooManySessions is returned once MaxSessions sessions exist
	ErrTooManySessions = errors.New("too many sessions")

	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// MaxSessions bounds the number of live sessions
const MaxSessions = 1024

// Registry creates sessions on first use and keeps them by id
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	create   func(id string) *session.Session
}

// NewRegistry returns a registry that builds sessions with create
func NewRegistry(create func(id string) *session.Session) *Registry {
	return &Registry{sessions: make(map[string]*session.Session), create: create}
}

// Get returns the session for id, creating it if needed
func (r *Registry) Get(id string) (*session.Session, error) {
	if id == "" {
		id = DefaultSessionID
	}
	if !sessionIDPattern.MatchString(id) {
		return nil, errors.Wrapf(ErrInvalidSessionID, "%q", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	if len(r.sessions) >= MaxSessions {
		return nil, ErrTooManySessions
	}
	s := r.create(id)
	r.sessions[id] = s
	return s, nil
}

// Len returns the number of sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close closes every session
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		s.Close()
		delete(r.sessions, id)
	}
}
