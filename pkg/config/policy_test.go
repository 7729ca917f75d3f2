package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"admission-engine/pkg/ratelimit"
)

const samplePolicies = `
default_policy: api
policies:
  api:
    algorithm: sliding_window
    window: 1m
    precision: 1s
    max_requests: 100
  login:
    algorithm: token-bucket
    capacity: 5
    refill_rate: 0.1
  export:
    algorithm: leaky_bucket
    capacity: 3
    leak_rate: 0.5
  burst:
    algorithm: fixed_window
    window: 10s
    max_requests: 20
routes:
  - prefix: /v1/login
    policy: login
  - prefix: /v1/export
    policy: export
`

func TestParsePolicies(t *testing.T) {
	set, err := ParsePolicies(strings.NewReader(samplePolicies))
	require.NoError(t, err)

	assert.Equal(t, "api", set.DefaultPolicy)
	require.Len(t, set.Policies, 4)

	assert.Equal(t, ratelimit.SlidingWindowConfig{
		Window: time.Minute, Precision: time.Second, MaxRequests: 100,
	}, set.Policies["api"])
	assert.Equal(t, ratelimit.TokenBucketConfig{
		Capacity: 5, RefillRatePerSec: 0.1, TokenCost: 1,
	}, set.Policies["login"])
	assert.Equal(t, ratelimit.LeakyBucketConfig{
		Capacity: 3, LeakRatePerSec: 0.5,
	}, set.Policies["export"])
	assert.Equal(t, ratelimit.FixedWindowConfig{
		Window: 10 * time.Second, MaxRequests: 20,
	}, set.Policies["burst"])

	assert.Equal(t, []RouteSpec{
		{Prefix: "/v1/login", Policy: "login"},
		{Prefix: "/v1/export", Policy: "export"},
	}, set.Routes)
}

func TestParsePolicies_Empty(t *testing.T) {
	set, err := ParsePolicies(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, set.Policies)
	assert.Empty(t, set.Routes)
}

func TestParsePolicies_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "policies:\n  api:\n    algorithm: fixed_window\n    window: 1m\n    max_request: 10\n"},
		{"unknown algorithm", "policies:\n  api:\n    algorithm: gcra\n    window: 1m\n    max_requests: 10\n"},
		{"invalid parameters", "policies:\n  api:\n    algorithm: fixed_window\n    window: 1m\n"},
		{"bad duration", "policies:\n  api:\n    algorithm: fixed_window\n    window: soon\n    max_requests: 10\n"},
		{"undefined default", "default_policy: missing\npolicies: {}\n"},
		{"route to undefined policy", "policies: {}\nroutes:\n  - prefix: /x\n    policy: missing\n"},
		{"relative route prefix", "policies:\n  api:\n    algorithm: fixed_window\n    window: 1m\n    max_requests: 1\nroutes:\n  - prefix: x\n    policy: api\n"},
		{"not yaml", "policies: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicies(strings.NewReader(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalidPolicyFile)
		})
	}
}

func TestLoadPolicies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicies), 0o600))

	set, err := LoadPolicies(path)
	require.NoError(t, err)
	assert.Len(t, set.Policies, 4)

	_, err = LoadPolicies(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
