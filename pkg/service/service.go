// Package service groups triggers under named, policy-governed services and
// keeps the process-wide registry of them.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"botcore/pkg/event"
	"botcore/pkg/trigger"
)

// Service is a named group of triggers. Triggers are append-only once
// registered; the policy may change at runtime.
type Service struct {
	name  string
	help  string
	store PolicyStore
	log   *slog.Logger

	mu       sync.RWMutex
	policy   Policy
	triggers []*trigger.Trigger
}

func (s *Service) Name() string { return s.name }

// Help is the one-line description shown by the help command.
func (s *Service) Help() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.help
}

// SetHelp replaces the help line.
func (s *Service) SetHelp(help string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.help = strings.TrimSpace(help)
}

func (s *Service) Policy() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy.clone()
}

func (s *Service) Priority() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy.Priority
}

// SetPolicy applies opts and persists the result before it takes effect.
func (s *Service) SetPolicy(ctx context.Context, opts ...Option) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.policy.clone()
	for _, opt := range opts {
		opt(&next)
	}

	if s.store != nil {
		if err := s.store.Save(ctx, s.name, next); err != nil {
			return fmt.Errorf("save policy for %s: %w", s.name, err)
		}
	}

	s.policy = next
	s.log.Info("Service policy updated", "enabled", next.Enabled, "pm", next.PM, "priority", next.Priority, "scope", next.Scope)
	return nil
}

// Triggers returns a snapshot in registration order.
func (s *Service) Triggers() []*trigger.Trigger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.triggers)
}

// Eligible reports whether ev from a user at level may reach this service's
// triggers.
func (s *Service) Eligible(ev *event.Event, level int) bool {
	if ev == nil {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.policy

	if !p.Enabled || level > p.PM {
		return false
	}

	if ev.GroupID != "" && slices.Contains(p.BlockList, ev.GroupID) {
		return false
	}
	if slices.Contains(p.BlockList, ev.UserID) {
		return false
	}

	switch p.Scope {
	case ScopeGroup:
		if ev.GroupID == "" {
			return false
		}
	case ScopeDirect:
		if ev.GroupID != "" {
			return false
		}
	}

	if len(p.AllowList) > 0 {
		inGroup := ev.GroupID != "" && slices.Contains(p.AllowList, ev.GroupID)
		if !inGroup && !slices.Contains(p.AllowList, ev.UserID) {
			return false
		}
	}

	return true
}

// On registers a trigger of any kind.
func (s *Service) On(kind trigger.Kind, pattern string, handler trigger.Handler, opts ...trigger.Option) (*trigger.Trigger, error) {
	t, err := trigger.New(kind, pattern, handler, opts...)
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", s.name, err)
	}

	s.mu.Lock()
	s.triggers = append(s.triggers, t)
	s.mu.Unlock()

	s.log.Debug("Trigger registered", "trigger", t.String(), "block", t.IsBlocking(), "to_me", t.RequiresToMe())
	return t, nil
}

func (s *Service) OnPrefix(pattern string, handler trigger.Handler, opts ...trigger.Option) (*trigger.Trigger, error) {
	return s.On(trigger.KindPrefix, pattern, handler, opts...)
}

func (s *Service) OnSuffix(pattern string, handler trigger.Handler, opts ...trigger.Option) (*trigger.Trigger, error) {
	return s.On(trigger.KindSuffix, pattern, handler, opts...)
}

func (s *Service) OnKeyword(pattern string, handler trigger.Handler, opts ...trigger.Option) (*trigger.Trigger, error) {
	return s.On(trigger.KindKeyword, pattern, handler, opts...)
}

func (s *Service) OnFullmatch(pattern string, handler trigger.Handler, opts ...trigger.Option) (*trigger.Trigger, error) {
	return s.On(trigger.KindFullmatch, pattern, handler, opts...)
}

func (s *Service) OnCommand(pattern string, handler trigger.Handler, opts ...trigger.Option) (*trigger.Trigger, error) {
	return s.On(trigger.KindCommand, pattern, handler, opts...)
}

func (s *Service) OnFile(ext string, handler trigger.Handler, opts ...trigger.Option) (*trigger.Trigger, error) {
	return s.On(trigger.KindFile, ext, handler, opts...)
}

func (s *Service) OnRegex(pattern string, handler trigger.Handler, opts ...trigger.Option) (*trigger.Trigger, error) {
	return s.On(trigger.KindRegex, pattern, handler, opts...)
}

// Registry is the process-wide set of services, kept in registration order.
type Registry struct {
	store PolicyStore
	log   *slog.Logger

	mu       sync.RWMutex
	services []*Service
	byName   map[string]*Service
}

// NewRegistry creates an empty registry. A nil store keeps policies in memory.
func NewRegistry(store PolicyStore, log *slog.Logger) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		store:  store,
		log:    log.With("component", "service.registry"),
		byName: make(map[string]*Service),
	}
}

// Service returns the service called name, creating it on first use. opts
// apply only on creation; a persisted policy overrides them.
func (r *Registry) Service(ctx context.Context, name string, opts ...Option) (*Service, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("service name is required")
	}

	r.mu.RLock()
	existing, ok := r.byName[name]
	r.mu.RUnlock()
	if ok {
		return existing, nil
	}

	policy := DefaultPolicy()
	for _, opt := range opts {
		opt(&policy)
	}

	stored, found, err := r.store.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load policy for %s: %w", name, err)
	}
	if found {
		policy = stored
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Lost a creation race.
	if existing, ok := r.byName[name]; ok {
		return existing, nil
	}

	svc := &Service{
		name:   name,
		store:  r.store,
		log:    r.log.With("service", name),
		policy: policy,
	}
	r.services = append(r.services, svc)
	r.byName[name] = svc

	r.log.Info("Service registered", "service", name, "persisted", found, "priority", policy.Priority, "pm", policy.PM)
	return svc, nil
}

func (r *Registry) Lookup(name string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.byName[strings.TrimSpace(name)]
	return svc, ok
}

// Services returns a snapshot in registration order.
func (r *Registry) Services() []*Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.services)
}
