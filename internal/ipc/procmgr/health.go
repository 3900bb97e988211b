package procmgr

import (
	"context"
	"fmt"

	"github.com/msto63/ipcpool/pkg/core/health"
)

// RegisterHealthChecks adds the pool checks to registry:
//   - pool-capacity: handles in circulation equal the pool capacity
//   - worker-processes: every handle's process is still running
func (m *Manager) RegisterHealthChecks(registry *health.Registry) {
	registry.Register(m.CapacityCheck())
	registry.Register(m.ProcessCheck())
}

// CapacityCheck reports degraded while the pool is below capacity, which
// only happens while a failed spawn is being replenished
func (m *Manager) CapacityCheck() health.Checker {
	return health.NewChecker("pool-capacity", func(ctx context.Context) health.CheckResult {
		size, capacity := m.pool.Size(), m.pool.Capacity()
		result := health.CheckResult{
			Name:   "pool-capacity",
			Status: health.StatusHealthy,
			Details: map[string]interface{}{
				"size":        size,
				"capacity":    capacity,
				"idle":        m.pool.Idle(),
				"checked_out": m.pool.CheckedOut(),
			},
		}

		switch {
		case m.pool.Closed():
			result.Status = health.StatusUnhealthy
			result.Message = "pool closed"
		case size == 0:
			result.Status = health.StatusUnhealthy
			result.Message = "no workers in circulation"
		case size < capacity:
			result.Status = health.StatusDegraded
			result.Message = fmt.Sprintf("%d of %d workers in circulation", size, capacity)
		default:
			result.Message = fmt.Sprintf("%d workers in circulation", size)
		}
		return result
	})
}

// ProcessCheck reports unhealthy if any worker process has exited. The
// next call on such a worker fails and recycles it.
func (m *Manager) ProcessCheck() health.Checker {
	return health.NewChecker("worker-processes", func(ctx context.Context) health.CheckResult {
		result := health.CheckResult{
			Name:   "worker-processes",
			Status: health.StatusHealthy,
		}

		var dead []int
		handles := m.pool.Handles()
		for _, h := range handles {
			if !h.Process().Alive() {
				dead = append(dead, h.PID())
			}
		}

		result.Details = map[string]interface{}{
			"workers": len(handles),
			"dead":    dead,
		}
		if len(dead) > 0 {
			result.Status = health.StatusUnhealthy
			result.Message = fmt.Sprintf("%d worker process(es) exited: %v", len(dead), dead)
		} else {
			result.Message = fmt.Sprintf("%d worker processes running", len(handles))
		}
		return result
	})
}
