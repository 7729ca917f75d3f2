package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"admission-engine/pkg/ratelimit"
)

const onePolicy = `
policies:
  api:
    algorithm: fixed_window
    window: 1m
    max_requests: 10
`

const twoPolicies = `
policies:
  api:
    algorithm: fixed_window
    window: 1m
    max_requests: 20
  login:
    algorithm: token_bucket
    capacity: 5
    refill_rate: 1
`

type reloadLog struct {
	mu       sync.Mutex
	failures int
	sets     int
}

func (l *reloadLog) hook(set *PolicySet, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.failures++
		return
	}
	l.sets++
}

func (l *reloadLog) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sets, l.failures
}

func writePolicyFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestPolicyWatcher_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	writePolicyFile(t, path, onePolicy)

	registry := ratelimit.NewPolicyRegistry()
	var log reloadLog
	w, err := NewPolicyWatcher(path, registry, WithReloadHook(log.hook))
	require.NoError(t, err)

	set, err := w.Load()
	require.NoError(t, err)
	assert.Same(t, set, w.Current())
	assert.Equal(t, []string{"api"}, registry.Names())

	writePolicyFile(t, path, "policies: [")
	_, err = w.Load()
	assert.ErrorIs(t, err, ErrInvalidPolicyFile)
	assert.Equal(t, []string{"api"}, registry.Names(), "bad file keeps previous policies")
	assert.Same(t, set, w.Current())

	sets, failures := log.counts()
	assert.Equal(t, 1, sets)
	assert.Equal(t, 1, failures)
}

func TestPolicyWatcher_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	writePolicyFile(t, path, onePolicy)

	registry := ratelimit.NewPolicyRegistry()
	w, err := NewPolicyWatcher(path, registry, WithDebounce(10*time.Millisecond))
	require.NoError(t, err)
	_, err = w.Load()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-w.ready:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not start")
	}

	writePolicyFile(t, path, twoPolicies)

	require.Eventually(t, func() bool {
		return len(registry.Names()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	cfg, ok := registry.Get("api")
	require.True(t, ok)
	assert.Equal(t, 20, cfg.Limit())
}

func TestPolicyWatcher_FollowsAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yaml")
	writePolicyFile(t, path, onePolicy)

	registry := ratelimit.NewPolicyRegistry()
	w, err := NewPolicyWatcher(path, registry, WithDebounce(10*time.Millisecond))
	require.NoError(t, err)
	_, err = w.Load()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	<-w.ready

	tmp := filepath.Join(dir, ".policies.yaml.tmp")
	writePolicyFile(t, tmp, twoPolicies)
	require.NoError(t, os.Rename(tmp, path))

	require.Eventually(t, func() bool {
		_, ok := registry.Get("login")
		return ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPolicyWatcher_RunFailsForMissingDirectory(t *testing.T) {
	w, err := NewPolicyWatcher(filepath.Join(t.TempDir(), "missing", "policies.yaml"), ratelimit.NewPolicyRegistry())
	require.NoError(t, err)
	assert.Error(t, w.Run(context.Background()))
}
