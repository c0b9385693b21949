package notification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Transport delivers a rendered HTML email.
type Transport interface {
	SendEmail(ctx context.Context, to, subject, htmlBody string) error
}

// Provider is a named email backend.
type Provider interface {
	Transport
	Name() string
	IsConfigured() bool
}

// ErrNoProvider is returned when no configured provider is registered.
var ErrNoProvider = errors.New("no configured email provider available")

// Registry picks a provider for each send, trying fallbacks in order when
// the primary is unconfigured or fails.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	primary   string
	fallback  []string
	logger    *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		providers: make(map[string]Provider),
		logger:    logger,
	}
}

// Register adds a provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	r.logger.Info("Registered email provider",
		zap.String("name", p.Name()),
		zap.Bool("configured", p.IsConfigured()),
	)
}

// SetPrimary selects the primary provider by name.
func (r *Registry) SetPrimary(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("provider %q not registered", name)
	}
	r.primary = name
	return nil
}

// SetFallback sets the fallback order.
func (r *Registry) SetFallback(names ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		if _, ok := r.providers[name]; !ok {
			return fmt.Errorf("provider %q not registered", name)
		}
	}
	r.fallback = names
	return nil
}

// Names lists registered providers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// order returns configured providers in the order they should be tried.
func (r *Registry) order() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []Provider
	add := func(name string) {
		p, ok := r.providers[name]
		if !ok || seen[name] || !p.IsConfigured() {
			return
		}
		seen[name] = true
		out = append(out, p)
	}
	if r.primary != "" {
		add(r.primary)
	}
	for _, name := range r.fallback {
		add(name)
	}
	if len(out) == 0 {
		names := make([]string, 0, len(r.providers))
		for name := range r.providers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			add(name)
		}
	}
	return out
}

// SendEmail sends through the first provider that succeeds. The error of
// the first provider tried is returned when all fail.
func (r *Registry) SendEmail(ctx context.Context, to, subject, htmlBody string) error {
	providers := r.order()
	if len(providers) == 0 {
		return ErrNoProvider
	}

	var firstErr error
	for i, p := range providers {
		err := p.SendEmail(ctx, to, subject, htmlBody)
		if err == nil {
			if i > 0 {
				r.logger.Warn("Email sent via fallback provider",
					zap.String("provider", p.Name()),
					zap.String("primary", providers[0].Name()),
				)
			}
			return nil
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", p.Name(), err)
		}
		r.logger.Warn("Email provider failed",
			zap.String("provider", p.Name()),
			zap.Error(err),
		)
	}
	return firstErr
}
