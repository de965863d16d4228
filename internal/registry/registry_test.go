// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package registry

import (
	"errors"
	"testing"

	"github.com/eafonin/nessus-orchestrator/internal/types"
)

// mockLogger implements logger.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Info(format string, args ...interface{})  {}
func (m *mockLogger) Error(format string, args ...interface{}) {}
func (m *mockLogger) Debug(format string, args ...interface{}) {}

func testBreakerConfig() types.BreakerConfig {
	return types.BreakerConfig{FailureThreshold: 2, CooldownSeconds: 300, SuccessThreshold: 1}
}

func newTestRegistry(t *testing.T, pools map[string]types.PoolConfig) *Registry {
	t.Helper()
	reg := New(testBreakerConfig(), &mockLogger{})
	if err := reg.Load(pools); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return reg
}

func instanceCfg(max int, enabled bool) types.InstanceConfig {
	return types.InstanceConfig{
		URL:                "https://scanner.internal:8834",
		MaxConcurrentScans: max,
		Enabled:            enabled,
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name  string
		pools map[string]types.PoolConfig
	}{
		{
			name:  "empty pool",
			pools: map[string]types.PoolConfig{"default": {Instances: map[string]types.InstanceConfig{}}},
		},
		{
			name: "missing url",
			pools: map[string]types.PoolConfig{"default": {Instances: map[string]types.InstanceConfig{
				"a": {MaxConcurrentScans: 1, Enabled: true},
			}}},
		},
		{
			name: "zero capacity",
			pools: map[string]types.PoolConfig{"default": {Instances: map[string]types.InstanceConfig{
				"a": {URL: "https://x", MaxConcurrentScans: 0, Enabled: true},
			}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := New(testBreakerConfig(), &mockLogger{})
			if err := reg.Load(tt.pools); err == nil {
				t.Error("Expected load error, got nil")
			}
		})
	}
}

func TestSelectLeastLoaded(t *testing.T) {
	reg := newTestRegistry(t, map[string]types.PoolConfig{
		"default": {Instances: map[string]types.InstanceConfig{
			"a": instanceCfg(4, true),
			"b": instanceCfg(4, true),
		}},
	})

	// Load instance a to 50%, b stays empty.
	if err := reg.Reserve("default", "a"); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := reg.Reserve("default", "a"); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	id, err := reg.Select("default")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if id != "b" {
		t.Errorf("Expected least-loaded instance b, got %s", id)
	}
}

func TestSelectTieBreaksLexicographically(t *testing.T) {
	reg := newTestRegistry(t, map[string]types.PoolConfig{
		"default": {Instances: map[string]types.InstanceConfig{
			"charlie": instanceCfg(4, true),
			"alpha":   instanceCfg(4, true),
			"bravo":   instanceCfg(4, true),
		}},
	})

	id, err := reg.Select("default")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if id != "alpha" {
		t.Errorf("Expected tie to break to alpha, got %s", id)
	}
}

func TestSelectSkipsDisabledAndFull(t *testing.T) {
	reg := newTestRegistry(t, map[string]types.PoolConfig{
		"default": {Instances: map[string]types.InstanceConfig{
			"disabled": instanceCfg(4, false),
			"full":     instanceCfg(1, true),
			"open":     instanceCfg(2, true),
		}},
	})
	if err := reg.Reserve("default", "full"); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	id, err := reg.Select("default")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if id != "open" {
		t.Errorf("Expected open, got %s", id)
	}
}

func TestSelectErrors(t *testing.T) {
	reg := newTestRegistry(t, map[string]types.PoolConfig{
		"default": {Instances: map[string]types.InstanceConfig{
			"a": instanceCfg(1, true),
		}},
	})

	if _, err := reg.Select("nope"); !errors.Is(err, ErrUnknownPool) {
		t.Errorf("Expected ErrUnknownPool, got %v", err)
	}

	if err := reg.Reserve("default", "a"); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if _, err := reg.Select("default"); !errors.Is(err, ErrNoCapacity) {
		t.Errorf("Expected ErrNoCapacity, got %v", err)
	}
}

func TestReserveRespectsCap(t *testing.T) {
	reg := newTestRegistry(t, map[string]types.PoolConfig{
		"default": {Instances: map[string]types.InstanceConfig{
			"a": instanceCfg(2, true),
		}},
	})

	if err := reg.Reserve("default", "a"); err != nil {
		t.Fatalf("Reserve 1 failed: %v", err)
	}
	if err := reg.Reserve("default", "a"); err != nil {
		t.Fatalf("Reserve 2 failed: %v", err)
	}
	if err := reg.Reserve("default", "a"); !errors.Is(err, ErrNoCapacity) {
		t.Errorf("Expected ErrNoCapacity on third reserve, got %v", err)
	}

	reg.Release("default", "a")
	if err := reg.Reserve("default", "a"); err != nil {
		t.Errorf("Reserve after release failed: %v", err)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	reg := newTestRegistry(t, map[string]types.PoolConfig{
		"default": {Instances: map[string]types.InstanceConfig{
			"a": instanceCfg(4, true),
		}},
	})

	// Threshold is 2 in the test config.
	for i := 0; i < 2; i++ {
		done, err := reg.Allow("default", "a")
		if err != nil {
			t.Fatalf("Allow %d failed: %v", i, err)
		}
		done(false)
	}

	if _, err := reg.Allow("default", "a"); err == nil {
		t.Error("Expected breaker to be open after consecutive failures")
	}

	// The open instance must not be selectable.
	if _, err := reg.Select("default"); !errors.Is(err, ErrNoCapacity) {
		t.Errorf("Expected ErrNoCapacity with only instance's breaker open, got %v", err)
	}
}

func TestBreakerOpenRoutesToHealthyInstance(t *testing.T) {
	reg := newTestRegistry(t, map[string]types.PoolConfig{
		"default": {Instances: map[string]types.InstanceConfig{
			"bad":  instanceCfg(4, true),
			"good": instanceCfg(4, true),
		}},
	})

	for i := 0; i < 2; i++ {
		done, err := reg.Allow("default", "bad")
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		done(false)
	}

	// Every subsequent selection must land on the healthy instance.
	for i := 0; i < 3; i++ {
		id, err := reg.Select("default")
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		if id != "good" {
			t.Errorf("Expected good, got %s", id)
		}
		if err := reg.Reserve("default", id); err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
	}
}

func TestBreakerSuccessKeepsClosed(t *testing.T) {
	reg := newTestRegistry(t, map[string]types.PoolConfig{
		"default": {Instances: map[string]types.InstanceConfig{
			"a": instanceCfg(4, true),
		}},
	})

	// Alternating failure and success never reaches the consecutive
	// threshold.
	for i := 0; i < 5; i++ {
		done, err := reg.Allow("default", "a")
		if err != nil {
			t.Fatalf("Allow failed on round %d: %v", i, err)
		}
		done(i%2 == 0)
	}
}

func TestReloadCarriesOverLiveState(t *testing.T) {
	reg := newTestRegistry(t, map[string]types.PoolConfig{
		"default": {Instances: map[string]types.InstanceConfig{
			"a": instanceCfg(2, true),
			"b": instanceCfg(2, true),
		}},
	})
	if err := reg.Reserve("default", "a"); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	// Reload with instance b removed and capacity of a raised.
	if err := reg.Load(map[string]types.PoolConfig{
		"default": {Instances: map[string]types.InstanceConfig{
			"a": instanceCfg(3, true),
		}},
	}); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	views := reg.Snapshot()
	if len(views) != 1 {
		t.Fatalf("Expected 1 instance after reload, got %d", len(views))
	}
	if views[0].ActiveScans != 1 {
		t.Errorf("Expected active count 1 to survive reload, got %d", views[0].ActiveScans)
	}
	if views[0].MaxConcurrentScans != 3 {
		t.Errorf("Expected new capacity 3, got %d", views[0].MaxConcurrentScans)
	}
}

func TestPoolStatusAggregates(t *testing.T) {
	reg := newTestRegistry(t, map[string]types.PoolConfig{
		"default": {Instances: map[string]types.InstanceConfig{
			"a": instanceCfg(3, true),
			"b": instanceCfg(2, true),
			"c": instanceCfg(5, false), // Disabled capacity does not count
		}},
	})
	if err := reg.Reserve("default", "a"); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	capacity, active, err := reg.PoolStatus("default")
	if err != nil {
		t.Fatalf("PoolStatus failed: %v", err)
	}
	if capacity != 5 {
		t.Errorf("Expected capacity 5, got %d", capacity)
	}
	if active != 1 {
		t.Errorf("Expected active 1, got %d", active)
	}
}
