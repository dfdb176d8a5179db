package main

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"mdmview/internal/dashboard"
	"mdmview/internal/metrics"
)

const sessionCookie = "mdmview_session"

// sessionStore maps browser sessions to page controllers. The least recently used session is
// evicted when capacity is reached; its controller is closed and the browser starts over.
type sessionStore struct {
	cache   *lru.Cache[string, *dashboard.Controller]
	factory func() *dashboard.Controller
	metrics *metrics.Metrics
	mu      sync.Mutex
}

func newSessionStore(capacity int, factory func() *dashboard.Controller, m *metrics.Metrics) (*sessionStore, error) {
	cache, err := lru.NewWithEvict(capacity, func(_ string, c *dashboard.Controller) {
		c.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}
	return &sessionStore{cache: cache, factory: factory, metrics: m}, nil
}

// controller returns the caller's controller, creating a session when there is none.
func (s *sessionStore) controller(w http.ResponseWriter, r *http.Request) *dashboard.Controller {
	id := ""
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		if _, err := uuid.Parse(cookie.Value); err == nil {
			id = cookie.Value
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		if c, ok := s.cache.Get(id); ok {
			return c
		}
	} else {
		id = uuid.NewString()
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookie,
			Value:    id,
			Path:     "/",
			HttpOnly: true,
			Secure:   r.TLS != nil,
			SameSite: http.SameSiteStrictMode,
		})
	}

	c := s.factory()
	s.cache.Add(id, c)
	s.metrics.SetSessions(s.cache.Len())
	return c
}

func (s *sessionStore) len() int {
	return s.cache.Len()
}

// close drops every session and stops their fetches.
func (s *sessionStore) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Purge()
	s.metrics.SetSessions(0)
}
