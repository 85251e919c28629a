// Package remotetest provides an in-memory remote authority for tests.
package remotetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/forest6511/painvault/pkg/remote"
)

type response struct {
	status int
	entity *remote.Entity
}

// Server is an httptest server speaking the remote protocol. It applies each
// idempotency key at most once and replays the stored response for repeats.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	entities    map[string]*remote.Entity
	responses   map[string]response
	applied     map[string]int
	failures    []int
	lostReplies int
	requests    int
	now         func() time.Time
}

// New starts a Server. Close it when done.
func New() *Server {
	s := &Server{
		entities:  make(map[string]*remote.Entity),
		responses: make(map[string]response),
		applied:   make(map[string]int),
		now:       time.Now,
	}

	r := chi.NewRouter()
	r.Route("/v1/entities/{type}/{id}", func(r chi.Router) {
		r.Get("/", s.handleGet)
		r.Put("/", s.handleMutation)
		r.Delete("/", s.handleMutation)
	})
	s.Server = httptest.NewServer(r)
	return s
}

func entityKey(typ, id string) string { return typ + "/" + id }

func params(r *http.Request) (string, string) {
	typ, _ := url.PathUnescape(chi.URLParam(r, "type"))
	id, _ := url.PathUnescape(chi.URLParam(r, "id"))
	return typ, id
}

// Set seeds or replaces the remote state of an entity.
func (s *Server) Set(e remote.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = s.now().UTC()
	}
	s.entities[entityKey(e.Type, e.ID)] = &e
}

// Entity returns the current remote state of an entity.
func (s *Server) Entity(typ, id string) (remote.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[entityKey(typ, id)]
	if !ok {
		return remote.Entity{}, false
	}
	return *e, true
}

// Applied returns how many times the mutation with key was applied.
func (s *Server) Applied(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied[key]
}

// Requests returns the number of requests served.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// FailNext makes the next requests fail with the given statuses, in order,
// before anything is applied.
func (s *Server) FailNext(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, statuses...)
}

// LoseReplies makes the next n mutations apply but answer 503, as if the
// response was lost on the way back.
func (s *Server) LoseReplies(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lostReplies += n
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	typ, id := params(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	if s.popFailure(w) {
		return
	}
	e, ok := s.entities[entityKey(typ, id)]
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	typ, id := params(r)
	key := r.Header.Get(remote.HeaderIdempotencyKey)

	var body struct {
		Fields    map[string]any `json:"fields"`
		UpdatedAt time.Time      `json:"updated_at"`
	}
	if r.Method == http.MethodPut {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	if s.popFailure(w) {
		return
	}
	if key == "" {
		http.Error(w, "missing idempotency key", http.StatusBadRequest)
		return
	}
	if prev, ok := s.responses[key]; ok {
		writeJSON(w, prev.status, prev.entity)
		return
	}

	current, exists := s.entities[entityKey(typ, id)]
	live := exists && !current.Deleted
	ifMatch := r.Header.Get(remote.HeaderIfMatch)
	switch {
	case ifMatch != "" && (!exists || current.Version != ifMatch):
		s.conflict(w, typ, id, current)
		return
	case ifMatch == "" && live:
		s.conflict(w, typ, id, current)
		return
	}

	next := &remote.Entity{
		Type:      typ,
		ID:        id,
		Version:   nextVersion(current),
		UpdatedAt: s.now().UTC(),
		Fields:    body.Fields,
		Deleted:   r.Method == http.MethodDelete,
	}
	if next.Deleted {
		next.Fields = nil
	}
	s.entities[entityKey(typ, id)] = next
	s.applied[key]++
	resp := response{status: http.StatusOK, entity: next}
	s.responses[key] = resp

	if s.lostReplies > 0 {
		s.lostReplies--
		http.Error(w, "reply lost", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, resp.status, resp.entity)
}

func (s *Server) conflict(w http.ResponseWriter, typ, id string, current *remote.Entity) {
	if current == nil {
		current = &remote.Entity{Type: typ, ID: id, Deleted: true}
	}
	writeJSON(w, http.StatusConflict, current)
}

func (s *Server) popFailure(w http.ResponseWriter) bool {
	if len(s.failures) == 0 {
		return false
	}
	status := s.failures[0]
	s.failures = s.failures[1:]
	http.Error(w, http.StatusText(status), status)
	return true
}

func nextVersion(current *remote.Entity) string {
	n := 0
	if current != nil {
		_, _ = fmt.Sscanf(current.Version, "v%d", &n)
	}
	return fmt.Sprintf("v%d", n+1)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
