package ratelimit

import (
	"fmt"
	"sort"
	"sync"
)

// PolicyRegistry maps policy names to RateLimitConfigs and supports live
// reconfiguration.
//
// Storage keys include the config fingerprint, so replacing a policy with a
// different config starts fresh state for it while unchanged policies keep
// theirs. The old state simply idles out.
type PolicyRegistry struct {
	mu       sync.RWMutex
	policies map[string]RateLimitConfig
}

// NewPolicyRegistry creates an empty registry.
func NewPolicyRegistry() *PolicyRegistry {
	return &PolicyRegistry{policies: make(map[string]RateLimitConfig)}
}

// Set validates cfg and registers it under name, replacing any previous policy.
func (r *PolicyRegistry) Set(name string, cfg RateLimitConfig) error {
	if name == "" {
		return fmt.Errorf("%w: empty policy name", ErrInvalidConfig)
	}
	if cfg == nil {
		return fmt.Errorf("%w: nil config for policy %q", ErrInvalidConfig, name)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("policy %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[name] = cfg
	return nil
}

// Get returns the policy registered under name.
func (r *PolicyRegistry) Get(name string) (RateLimitConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.policies[name]
	return cfg, ok
}

// Delete removes the policy registered under name.
func (r *PolicyRegistry) Delete(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.policies, name)
}

// Replace swaps the whole table atomically. Nothing changes if any entry is
// invalid.
func (r *PolicyRegistry) Replace(policies map[string]RateLimitConfig) error {
	next := make(map[string]RateLimitConfig, len(policies))
	for name, cfg := range policies {
		if name == "" {
			return fmt.Errorf("%w: empty policy name", ErrInvalidConfig)
		}
		if cfg == nil {
			return fmt.Errorf("%w: nil config for policy %q", ErrInvalidConfig, name)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("policy %q: %w", name, err)
		}
		next[name] = cfg
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies = next
	return nil
}

// Names returns the registered policy names in sorted order.
func (r *PolicyRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
