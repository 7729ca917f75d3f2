package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"admission-engine/pkg/ratelimit"
)

// ErrInvalidPolicyFile is returned when the policy file cannot be decoded
// or describes an invalid policy table.
var ErrInvalidPolicyFile = errors.New("config: invalid policy file")

// PolicyFile is the YAML layout of the policy table.
//
//	default_policy: api
//	policies:
//	  api:
//	    algorithm: sliding_window
//	    window: 1m
//	    precision: 1s
//	    max_requests: 100
//	  login:
//	    algorithm: token_bucket
//	    capacity: 5
//	    refill_rate: 0.1
//	routes:
//	  - prefix: /v1/login
//	    policy: login
type PolicyFile struct {
	DefaultPolicy string                `yaml:"default_policy"`
	Policies      map[string]PolicySpec `yaml:"policies"`
	Routes        []RouteSpec           `yaml:"routes"`
}

// PolicySpec is one policy entry. Fields not used by the algorithm are ignored.
type PolicySpec struct {
	Algorithm   string        `yaml:"algorithm"`
	Window      time.Duration `yaml:"window"`
	Precision   time.Duration `yaml:"precision"`
	MaxRequests int           `yaml:"max_requests"`
	Capacity    int           `yaml:"capacity"`
	RefillRate  float64       `yaml:"refill_rate"`
	TokenCost   float64       `yaml:"token_cost"`
	LeakRate    float64       `yaml:"leak_rate"`
}

// RouteSpec maps a request path prefix to a policy name.
type RouteSpec struct {
	Prefix string `yaml:"prefix"`
	Policy string `yaml:"policy"`
}

// PolicySet is a validated policy table.
type PolicySet struct {
	Policies      map[string]ratelimit.RateLimitConfig
	Routes        []RouteSpec
	DefaultPolicy string
}

// LoadPolicies reads and validates the policy file at path.
func LoadPolicies(path string) (*PolicySet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open policy file: %w", err)
	}
	defer func() { _ = f.Close() }()

	set, err := ParsePolicies(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return set, nil
}

// ParsePolicies decodes and validates a policy table. Unknown YAML keys are
// rejected so that a misspelt field cannot silently fall back to zero.
func ParsePolicies(r io.Reader) (*PolicySet, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	var file PolicyFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicyFile, err)
	}

	set := &PolicySet{
		Policies:      make(map[string]ratelimit.RateLimitConfig, len(file.Policies)),
		DefaultPolicy: file.DefaultPolicy,
	}

	names := make([]string, 0, len(file.Policies))
	for name := range file.Policies {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cfg, err := file.Policies[name].build()
		if err != nil {
			return nil, fmt.Errorf("%w: policy %q: %v", ErrInvalidPolicyFile, name, err)
		}
		set.Policies[name] = cfg
	}

	if set.DefaultPolicy != "" {
		if _, ok := set.Policies[set.DefaultPolicy]; !ok {
			return nil, fmt.Errorf("%w: default_policy %q is not defined", ErrInvalidPolicyFile, set.DefaultPolicy)
		}
	}

	for i, route := range file.Routes {
		if !strings.HasPrefix(route.Prefix, "/") {
			return nil, fmt.Errorf("%w: route %d: prefix %q must start with /", ErrInvalidPolicyFile, i, route.Prefix)
		}
		if _, ok := set.Policies[route.Policy]; !ok {
			return nil, fmt.Errorf("%w: route %q: policy %q is not defined", ErrInvalidPolicyFile, route.Prefix, route.Policy)
		}
		set.Routes = append(set.Routes, route)
	}

	return set, nil
}

func (s PolicySpec) build() (ratelimit.RateLimitConfig, error) {
	alg, err := ratelimit.ParseAlgorithm(s.Algorithm)
	if err != nil {
		return nil, err
	}
	return ratelimit.NewConfig(alg, ratelimit.Params{
		Window:           s.Window,
		Precision:        s.Precision,
		MaxRequests:      s.MaxRequests,
		Capacity:         s.Capacity,
		RefillRatePerSec: s.RefillRate,
		TokenCost:        s.TokenCost,
		LeakRatePerSec:   s.LeakRate,
	})
}
