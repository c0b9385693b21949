package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lvonguyen/alertforge/internal/alerting"
	"github.com/lvonguyen/alertforge/internal/detection"
	"github.com/lvonguyen/alertforge/internal/telemetry"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	events   []*telemetry.Event
	rules    []*detection.Rule
	alerts   []*alerting.Alert
	accounts map[string]alerting.Account
	now      func() time.Time
}

// NewMemoryStore creates an empty store. A nil clock uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{accounts: make(map[string]alerting.Account), now: now}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }

func (s *MemoryStore) CreateEvent(_ context.Context, e *telemetry.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	cp := *e
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryStore) CountEvents(_ context.Context, tenant, eventType, user string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.events {
		if e.Tenant == tenant && e.EventType == eventType && e.User == user && !e.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) FindEvent(_ context.Context, id string) (*telemetry.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.events {
		if e.ID == id {
			cp := *e
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
}

func (s *MemoryStore) DeleteEvent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.events {
		if e.ID == id {
			s.events = append(s.events[:i], s.events[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("event %s: %w", id, ErrNotFound)
}

func (s *MemoryStore) ListEvents(_ context.Context, f EventFilter) ([]*telemetry.Event, error) {
	lo, hi, byLevel := severityRange(f.SeverityLevel)
	limit := clampLimit(f.Limit, DefaultListLimit, MaxListLimit)

	s.mu.RLock()
	var out []*telemetry.Event
	for _, e := range s.events {
		if f.Tenant != "" && e.Tenant != f.Tenant {
			continue
		}
		if f.Source != "" && !strings.EqualFold(string(e.Source), f.Source) {
			continue
		}
		if f.Action != "" && !strings.EqualFold(string(e.Action), f.Action) {
			continue
		}
		if byLevel {
			if sev := e.SeverityValue(); sev < lo || sev > hi {
				continue
			}
		}
		cp := *e
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteEventsBefore(_ context.Context, t time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	var n int64
	for _, e := range s.events {
		if e.Timestamp.Before(t) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return n, nil
}

func (s *MemoryStore) ListRules(_ context.Context, tenant string) ([]*detection.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*detection.Rule
	for _, r := range s.rules {
		if tenant == "" || r.Tenant == tenant {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetRule(_ context.Context, tenant, name string) (*detection.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules {
		if r.Tenant == tenant && r.Name == name {
			return r, nil
		}
	}
	return nil, fmt.Errorf("rule %s/%s: %w", tenant, name, ErrNotFound)
}

func (s *MemoryStore) CreateRule(_ context.Context, r *detection.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.rules {
		if existing.Tenant == r.Tenant && existing.Name == r.Name {
			return fmt.Errorf("rule %s/%s: %w", r.Tenant, r.Name, ErrDuplicateRule)
		}
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Enabled = true
	r.CreatedAt = s.now().UTC()
	r.Compile()
	s.rules = append(s.rules, r)
	return nil
}

func (s *MemoryStore) DeleteRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.rules {
		if r.ID == id {
			s.rules = append(s.rules[:i], s.rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("rule %s: %w", id, ErrNotFound)
}

func (s *MemoryStore) CreateAlert(_ context.Context, a *alerting.Alert) error {
	cp := *a
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, &cp)
	return nil
}

func (s *MemoryStore) ListRecentAlerts(_ context.Context, tenant string, limit int) ([]*alerting.Alert, error) {
	limit = clampLimit(limit, DefaultAlertLimit, MaxAlertLimit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*alerting.Alert
	for i := len(s.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		if tenant == "" || s.alerts[i].Tenant == tenant {
			cp := *s.alerts[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) LookupAccount(_ context.Context, username string) (*alerting.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[username]
	if !ok {
		return nil, fmt.Errorf("%w: unknown user %q", alerting.ErrNoRecipient, username)
	}
	return &acct, nil
}

func (s *MemoryStore) UpsertAccount(_ context.Context, a alerting.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.Username] = a
	return nil
}
