package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Scope restricts a service to group chats, direct messages, or both.
type Scope string

const (
	ScopeAll    Scope = "all"
	ScopeGroup  Scope = "group"
	ScopeDirect Scope = "direct"
)

func ParseScope(raw string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ScopeAll:
		return ScopeAll, nil
	case ScopeGroup:
		return ScopeGroup, nil
	case ScopeDirect:
		return ScopeDirect, nil
	default:
		return "", fmt.Errorf("unsupported scope %q", raw)
	}
}

const (
	DefaultPM       = 6
	DefaultPriority = 5
)

// Policy is the persisted, runtime-adjustable part of a service.
type Policy struct {
	Enabled  bool  `json:"enabled"`
	PM       int   `json:"pm"`
	Priority int   `json:"priority"`
	Scope    Scope `json:"scope"`
	// BlockList holds group or user ids that may never trigger the service.
	BlockList []string `json:"block_list,omitempty"`
	// AllowList, when non-empty, is the only set of group or user ids admitted.
	AllowList []string `json:"allow_list,omitempty"`
}

func DefaultPolicy() Policy {
	return Policy{
		Enabled:  true,
		PM:       DefaultPM,
		Priority: DefaultPriority,
		Scope:    ScopeAll,
	}
}

func (p Policy) clone() Policy {
	p.BlockList = slices.Clone(p.BlockList)
	p.AllowList = slices.Clone(p.AllowList)
	return p
}

type Option func(*Policy)

func WithEnabled(enabled bool) Option {
	return func(p *Policy) { p.Enabled = enabled }
}

// WithPM sets the permission threshold; users with a numerically greater
// level are rejected.
func WithPM(pm int) Option {
	return func(p *Policy) { p.PM = pm }
}

// WithPriority orders services; lower values dispatch first.
func WithPriority(priority int) Option {
	return func(p *Policy) { p.Priority = priority }
}

func WithScope(scope Scope) Option {
	return func(p *Policy) { p.Scope = scope }
}

func WithBlockList(ids ...string) Option {
	return func(p *Policy) { p.BlockList = slices.Clone(ids) }
}

func WithAllowList(ids ...string) Option {
	return func(p *Policy) { p.AllowList = slices.Clone(ids) }
}

// Block adds ids to the block list.
func Block(ids ...string) Option {
	return func(p *Policy) {
		for _, id := range ids {
			if !slices.Contains(p.BlockList, id) {
				p.BlockList = append(p.BlockList, id)
			}
		}
	}
}

// Unblock removes ids from the block list.
func Unblock(ids ...string) Option {
	return func(p *Policy) {
		p.BlockList = slices.DeleteFunc(p.BlockList, func(id string) bool {
			return slices.Contains(ids, id)
		})
	}
}

// PolicyStore persists policies by service name.
type PolicyStore interface {
	Load(ctx context.Context, name string) (Policy, bool, error)
	Save(ctx context.Context, name string, policy Policy) error
}

// MemoryStore keeps policies for the life of the process.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string]Policy)}
}

func (m *MemoryStore) Load(_ context.Context, name string) (Policy, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[name]
	return p.clone(), ok, nil
}

func (m *MemoryStore) Save(_ context.Context, name string, policy Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[name] = policy.clone()
	return nil
}
