// Package quota enforces per-org resource limits on worker launches.
// Exceeding a limit is reported synchronously to the caller, which the
// supervisor surfaces as a launch failure.
package quota

import (
	"sync"
	"time"
)

// QuotaLimitError indicates a quota limit has been exceeded
type QuotaLimitError struct {
	Limit      string
	Current    int64
	Maximum    int64
	RetryAfter time.Duration
}

// Error implements the error interface
func (e *QuotaLimitError) Error() string {
	return "quota limit exceeded: " + e.Limit
}

// ResourceQuotas defines resource limits for an org
type ResourceQuotas struct {
	MaxConcurrentWorkers int64 // maximum worker processes running at once
	MaxLaunchesPerDay    int64 // maximum worker launches per 24 hours
}

// PlanQuotas provides preset quotas for different tiers
var PlanQuotas = map[string]ResourceQuotas{
	"free": {
		MaxConcurrentWorkers: 1,
		MaxLaunchesPerDay:    50,
	},
	"pro": {
		MaxConcurrentWorkers: 5,
		MaxLaunchesPerDay:    1000,
	},
	"enterprise": {
		MaxConcurrentWorkers: 50,
		MaxLaunchesPerDay:    20000,
	},
}

// orgUsage tracks current resource usage for an org
type orgUsage struct {
	concurrentWorkers int64
	launchesToday     int64
	lastResetTime     time.Time
}

// Manager manages quotas and usage for all orgs
type Manager struct {
	mu     sync.Mutex
	quotas map[string]ResourceQuotas
	usage  map[string]*orgUsage
	def    ResourceQuotas
}

// NewManager creates a quota manager; def applies to orgs with no explicit quota.
func NewManager(def ResourceQuotas) *Manager {
	return &Manager{
		quotas: make(map[string]ResourceQuotas),
		usage:  make(map[string]*orgUsage),
		def:    def,
	}
}

// SetQuota sets quotas for an org
func (m *Manager) SetQuota(orgID string, quotas ResourceQuotas) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotas[orgID] = quotas
}

// GetQuota retrieves the effective quotas for an org
func (m *Manager) GetQuota(orgID string) ResourceQuotas {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quotaLocked(orgID)
}

func (m *Manager) quotaLocked(orgID string) ResourceQuotas {
	if q, ok := m.quotas[orgID]; ok {
		return q
	}
	return m.def
}

func (m *Manager) usageLocked(orgID string) *orgUsage {
	u, ok := m.usage[orgID]
	if !ok {
		u = &orgUsage{lastResetTime: time.Now()}
		m.usage[orgID] = u
	}
	if time.Since(u.lastResetTime) > 24*time.Hour {
		u.launchesToday = 0
		u.lastResetTime = time.Now()
	}
	return u
}

// AcquireWorker reserves capacity for one worker launch. The caller must
// release it when the worker terminates.
func (m *Manager) AcquireWorker(orgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.quotaLocked(orgID)
	u := m.usageLocked(orgID)

	if q.MaxConcurrentWorkers > 0 && u.concurrentWorkers >= q.MaxConcurrentWorkers {
		return &QuotaLimitError{
			Limit:   "concurrent_workers",
			Current: u.concurrentWorkers,
			Maximum: q.MaxConcurrentWorkers,
		}
	}
	if q.MaxLaunchesPerDay > 0 && u.launchesToday >= q.MaxLaunchesPerDay {
		return &QuotaLimitError{
			Limit:      "launches_per_day",
			Current:    u.launchesToday,
			Maximum:    q.MaxLaunchesPerDay,
			RetryAfter: 24*time.Hour - time.Since(u.lastResetTime),
		}
	}

	u.concurrentWorkers++
	u.launchesToday++
	return nil
}

// ReleaseWorker returns the concurrency slot taken by AcquireWorker.
func (m *Manager) ReleaseWorker(orgID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.usageLocked(orgID)
	if u.concurrentWorkers > 0 {
		u.concurrentWorkers--
	}
}

// Usage returns a snapshot of an org's current usage counters.
func (m *Manager) Usage(orgID string) (concurrent, today int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.usageLocked(orgID)
	return u.concurrentWorkers, u.launchesToday
}
