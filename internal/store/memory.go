package store

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
	"github.com/BTreeMap/ScenarioPipe/internal/util"
)

// InMemoryStore keeps sessions, records and dedup markers in process memory.
// Sessions are copied on load and save so callers never share mutable state with the store.
type InMemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*models.SessionState
	leads     map[string]map[string]string
	requests  map[string]map[string]string
	inventory map[string]models.SearchResult
	inbound   map[string]DedupRecord
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:  make(map[string]*models.SessionState),
		leads:     make(map[string]map[string]string),
		requests:  make(map[string]map[string]string),
		inventory: make(map[string]models.SearchResult),
		inbound:   make(map[string]DedupRecord),
	}
}

func (s *InMemoryStore) LoadSession(_ context.Context, sessionID string) (*models.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return state.Clone(), nil
}

func (s *InMemoryStore) SaveSession(_ context.Context, state *models.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[state.SessionID] = state.Clone()
	return nil
}

func (s *InMemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *InMemoryStore) ListIdleSessions(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, state := range s.sessions {
		if state.ActiveFlowID != "" && state.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *InMemoryStore) CreateLead(_ context.Context, sessionID string, fields map[string]string) (string, error) {
	id := util.GenerateRandomID("lead_", 16)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leads[id] = copyFields(sessionID, fields)
	slog.Debug("InMemoryStore.CreateLead", "id", id, "sessionID", sessionID)
	return id, nil
}

func (s *InMemoryStore) CreateRequest(_ context.Context, sessionID string, fields map[string]string) (string, error) {
	publicID := util.GeneratePublicID()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[publicID] = copyFields(sessionID, fields)
	slog.Debug("InMemoryStore.CreateRequest", "publicID", publicID, "sessionID", sessionID)
	return publicID, nil
}

// Lead returns a stored lead's fields, for inspection in tests and the admin API.
func (s *InMemoryStore) Lead(id string) (map[string]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.leads[id]
	return f, ok
}

// Request returns a stored request's fields by public id.
func (s *InMemoryStore) Request(publicID string) (map[string]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.requests[publicID]
	return f, ok
}

func (s *InMemoryStore) SearchInventory(_ context.Context, filter models.SearchFilter, limit int) ([]models.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f := filter.Normalize()
	var out []models.SearchResult
	for _, item := range s.inventory {
		if matchesFilter(item, f) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) UpsertInventory(_ context.Context, items []models.SearchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		if item.Source == "" {
			item.Source = "local"
		}
		s.inventory[item.ID] = item
	}
	return nil
}

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.inbound[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = DedupRecord{MessageID: messageID, SessionID: sessionID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inbound[messageID]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.ProcessedAt = &now
	s.inbound[messageID] = rec
	return nil
}

func (s *InMemoryStore) ReleaseInbound(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.inbound[messageID]; ok && rec.ProcessedAt == nil {
		delete(s.inbound, messageID)
	}
	return nil
}

func (s *InMemoryStore) PurgeInboundBefore(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.inbound {
		if rec.ReceivedAt.Before(before) {
			delete(s.inbound, id)
			n++
		}
	}
	return n, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

func copyFields(sessionID string, fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["session_id"] = sessionID
	return out
}

// matchesFilter applies a normalized filter to an inventory item. Zero bounds are unbounded.
func matchesFilter(item models.SearchResult, f models.SearchFilter) bool {
	if f.Brand != "" && strings.ToLower(item.Brand) != f.Brand {
		return false
	}
	if f.Model != "" && !strings.Contains(strings.ToLower(item.Model), f.Model) {
		return false
	}
	if f.PriceMin > 0 && item.Price < f.PriceMin {
		return false
	}
	if f.PriceMax > 0 && item.Price > f.PriceMax {
		return false
	}
	if f.YearMin > 0 && item.Year < f.YearMin {
		return false
	}
	if f.YearMax > 0 && item.Year > f.YearMax {
		return false
	}
	return true
}
