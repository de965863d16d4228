// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package registry tracks the declarative scanner pool table and the live
// per-instance load used for least-loaded selection.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/eafonin/nessus-orchestrator/internal/pkg/logger"
	"github.com/eafonin/nessus-orchestrator/internal/types"
)

// Selection and reservation errors. NoCapacity is retryable at the worker
// level; UnknownPool is fatal for the request.
var (
	ErrNoCapacity  = errors.New("no scanner instance with free capacity")
	ErrUnknownPool = errors.New("unknown scanner pool")
	ErrBreakerOpen = errors.New("circuit breaker open for instance")
)

// ConfigError reports an invalid pool configuration on load.
type ConfigError struct {
	Pool     string
	Instance string
	Message  string
}

func (e *ConfigError) Error() string {
	if e.Instance != "" {
		return fmt.Sprintf("pool %s instance %s: %s", e.Pool, e.Instance, e.Message)
	}
	return fmt.Sprintf("pool %s: %s", e.Pool, e.Message)
}

// InstanceView is a read-only snapshot of one instance's declarative config
// and live load.
type InstanceView struct {
	Pool               string  `json:"pool"`
	ID                 string  `json:"id"`
	URL                string  `json:"url"`
	Enabled            bool    `json:"enabled"`
	ActiveScans        int     `json:"activeScans"`
	MaxConcurrentScans int     `json:"maxConcurrentScans"`
	Utilization        float64 `json:"utilization"`
	BreakerState       string  `json:"breakerState"`
}

// instance pairs the declarative config with runtime overlay state. The
// config is replaced wholesale on reload; active count and breaker survive
// the swap so in-flight accounting is not lost.
type instance struct {
	pool    string
	id      string
	cfg     types.InstanceConfig
	active  int
	breaker *Breaker
}

func (i *instance) utilization() float64 {
	if i.cfg.MaxConcurrentScans <= 0 {
		return 1
	}
	return float64(i.active) / float64(i.cfg.MaxConcurrentScans)
}

// Registry holds the pool -> instances map and tracks per-instance active
// scan counts. Selection and reservation are distinct operations so a worker
// may re-select after losing a reservation race.
type Registry struct {
	mu         sync.RWMutex
	pools      map[string]map[string]*instance
	breakerCfg types.BreakerConfig
	logger     logger.Logger
}

// New creates an empty registry. Call Load before use.
func New(breakerCfg types.BreakerConfig, log logger.Logger) *Registry {
	return &Registry{
		pools:      make(map[string]map[string]*instance),
		breakerCfg: breakerCfg,
		logger:     log,
	}
}

// Load replaces the pool table atomically. Instances that persist across the
// reload (same pool and id) keep their active counts and breaker state;
// in-flight scans continue against their previously assigned instances.
func (r *Registry) Load(poolCfgs map[string]types.PoolConfig) error {
	next := make(map[string]map[string]*instance, len(poolCfgs))
	for poolName, poolCfg := range poolCfgs {
		if len(poolCfg.Instances) == 0 {
			return &ConfigError{Pool: poolName, Message: "pool has no instances"}
		}
		instances := make(map[string]*instance, len(poolCfg.Instances))
		for id, cfg := range poolCfg.Instances {
			if id == "" {
				return &ConfigError{Pool: poolName, Message: "instance id cannot be empty"}
			}
			if cfg.URL == "" {
				return &ConfigError{Pool: poolName, Instance: id, Message: "url is required"}
			}
			if cfg.MaxConcurrentScans < 1 {
				return &ConfigError{Pool: poolName, Instance: id, Message: "max_concurrent_scans must be >= 1"}
			}
			instances[id] = &instance{pool: poolName, id: id, cfg: cfg}
		}
		next[poolName] = instances
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Carry live state over for surviving instances.
	for poolName, instances := range next {
		if old, ok := r.pools[poolName]; ok {
			for id, inst := range instances {
				if prev, ok := old[id]; ok {
					inst.active = prev.active
					inst.breaker = prev.breaker
				}
			}
		}
		for _, inst := range instances {
			if inst.breaker == nil {
				inst.breaker = newBreaker(fmt.Sprintf("%s/%s", poolName, inst.id), r.breakerCfg, r.logger)
			}
		}
	}

	r.pools = next
	r.logger.Info("Scanner registry loaded: %d pools", len(next))
	return nil
}

// Select returns the enabled instance in pool with a non-open breaker, free
// capacity, and the lowest utilization ratio; ties break lexicographically by
// instance id. It does not reserve capacity.
func (r *Registry) Select(pool string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instances, ok := r.pools[pool]
	if !ok {
		return "", ErrUnknownPool
	}

	var best *instance
	for _, inst := range sortedInstances(instances) {
		if !inst.cfg.Enabled || inst.breaker.Open() {
			continue
		}
		if inst.active >= inst.cfg.MaxConcurrentScans {
			continue
		}
		if best == nil || inst.utilization() < best.utilization() {
			best = inst
		}
	}
	if best == nil {
		return "", ErrNoCapacity
	}
	return best.id, nil
}

// Reserve atomically increments the instance's active count iff still within
// its cap. A failed reserve means another worker won the race; the caller
// should re-select.
func (r *Registry) Reserve(pool, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, err := r.instanceLocked(pool, id)
	if err != nil {
		return err
	}
	if inst.active >= inst.cfg.MaxConcurrentScans {
		return ErrNoCapacity
	}
	inst.active++
	return nil
}

// Release decrements the instance's active count, never below zero. A release
// without a matching reserve is a programming error and is logged.
func (r *Registry) Release(pool, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, err := r.instanceLocked(pool, id)
	if err != nil {
		r.logger.Error("Release for unknown instance %s/%s: %v", pool, id, err)
		return
	}
	if inst.active <= 0 {
		r.logger.Error("Release without matching reserve for instance %s/%s", pool, id)
		return
	}
	inst.active--
}

// Allow consults the instance's circuit breaker. On admission it returns a
// done callback that must be invoked once with the scan outcome.
func (r *Registry) Allow(pool, id string) (func(success bool), error) {
	r.mu.RLock()
	inst, err := r.instanceLocked(pool, id)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	done, err := inst.breaker.Allow()
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrBreakerOpen, pool, id)
	}
	return done, nil
}

// InstanceConfig returns the declarative config of one instance, for adapter
// construction at dequeue time.
func (r *Registry) InstanceConfig(pool, id string) (types.InstanceConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, err := r.instanceLocked(pool, id)
	if err != nil {
		return types.InstanceConfig{}, err
	}
	return inst.cfg, nil
}

// HasPool reports whether the pool exists in the current table.
func (r *Registry) HasPool(pool string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pools[pool]
	return ok
}

// Pools returns the sorted pool names.
func (r *Registry) Pools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns read-only views of every instance, sorted by pool then id.
func (r *Registry) Snapshot() []InstanceView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var views []InstanceView
	for _, instances := range r.pools {
		for _, inst := range instances {
			views = append(views, InstanceView{
				Pool:               inst.pool,
				ID:                 inst.id,
				URL:                inst.cfg.URL,
				Enabled:            inst.cfg.Enabled,
				ActiveScans:        inst.active,
				MaxConcurrentScans: inst.cfg.MaxConcurrentScans,
				Utilization:        inst.utilization(),
				BreakerState:       inst.breaker.State(),
			})
		}
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].Pool != views[j].Pool {
			return views[i].Pool < views[j].Pool
		}
		return views[i].ID < views[j].ID
	})
	return views
}

// PoolStatus aggregates capacity, active count and utilization for one pool.
func (r *Registry) PoolStatus(pool string) (capacity, active int, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instances, ok := r.pools[pool]
	if !ok {
		return 0, 0, ErrUnknownPool
	}
	for _, inst := range instances {
		if inst.cfg.Enabled {
			capacity += inst.cfg.MaxConcurrentScans
		}
		active += inst.active
	}
	return capacity, active, nil
}

func (r *Registry) instanceLocked(pool, id string) (*instance, error) {
	instances, ok := r.pools[pool]
	if !ok {
		return nil, ErrUnknownPool
	}
	inst, ok := instances[id]
	if !ok {
		return nil, fmt.Errorf("unknown instance %s in pool %s", id, pool)
	}
	return inst, nil
}

// sortedInstances returns the pool's instances ordered by id so selection
// ties resolve deterministically.
func sortedInstances(m map[string]*instance) []*instance {
	out := make([]*instance, 0, len(m))
	for _, inst := range m {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
