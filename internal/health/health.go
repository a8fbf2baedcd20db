// Package health runs named subsystem health checks on demand.
package health

import (
	"context"
	"sync"
	"time"
)

// Status reports the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem.
type Checker func(ctx context.Context) Status

// checkTimeout bounds a single probe so a hung subsystem cannot stall the
// readiness endpoint.
const checkTimeout = 2 * time.Second

// Registry holds named health checkers.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every registered checker with a per-probe timeout and
// returns the aggregate plus individual results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	for _, nc := range checkers {
		probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		status := nc.check(probeCtx)
		cancel()
		if status.Name == "" {
			status.Name = nc.name
		}
		if !status.Healthy {
			healthy = false
		}
		statuses = append(statuses, status)
	}
	return healthy, statuses
}
