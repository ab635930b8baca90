// Package health aggregates checks of the wallet core's backing
// dependencies (Postgres, Redis) behind one registry. The /health
// endpoint reports degraded as soon as any dependency fails; the
// ledger itself keeps serving from whatever storage is still up.
package health

import (
	"context"
	"sync"
	"time"
)

// checkTimeout bounds a single check so one hung dependency cannot
// stall the whole health response.
const checkTimeout = 2 * time.Second

// Status is one dependency's check result.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
	// LatencyMS is how long the check took, for spotting a dependency
	// that is up but struggling.
	LatencyMS int64 `json:"latencyMs"`
}

// Checker checks one dependency. It must respect ctx; checks run with
// a per-check deadline.
type Checker func(ctx context.Context) Status

// Registry holds the dependency checks registered at wiring time.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named dependency check.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll checks every registered dependency and reports the
// aggregate plus per-dependency results, in registration order. An
// empty registry is healthy; in-memory deployments have nothing to
// check.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		start := time.Now()
		statuses[i] = nc.check(checkCtx)
		statuses[i].LatencyMS = time.Since(start).Milliseconds()
		cancel()
		if statuses[i].Name == "" {
			statuses[i].Name = nc.name
		}
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}
