package quota

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseWorker(t *testing.T) {
	m := NewManager(ResourceQuotas{MaxConcurrentWorkers: 2, MaxLaunchesPerDay: 10})

	require.NoError(t, m.AcquireWorker("org-1"))
	require.NoError(t, m.AcquireWorker("org-1"))

	err := m.AcquireWorker("org-1")
	require.Error(t, err)
	var qerr *QuotaLimitError
	require.True(t, errors.As(err, &qerr))
	assert.Equal(t, "concurrent_workers", qerr.Limit)
	assert.EqualValues(t, 2, qerr.Current)

	m.ReleaseWorker("org-1")
	assert.NoError(t, m.AcquireWorker("org-1"))
}

func TestDailyLaunchLimit(t *testing.T) {
	m := NewManager(ResourceQuotas{MaxConcurrentWorkers: 100, MaxLaunchesPerDay: 3})

	for i := 0; i < 3; i++ {
		require.NoError(t, m.AcquireWorker("org-1"))
		m.ReleaseWorker("org-1")
	}

	err := m.AcquireWorker("org-1")
	require.Error(t, err)
	var qerr *QuotaLimitError
	require.True(t, errors.As(err, &qerr))
	assert.Equal(t, "launches_per_day", qerr.Limit)
	assert.Positive(t, qerr.RetryAfter)
}

func TestOrgsAreIsolated(t *testing.T) {
	m := NewManager(ResourceQuotas{MaxConcurrentWorkers: 1})

	require.NoError(t, m.AcquireWorker("org-1"))
	assert.NoError(t, m.AcquireWorker("org-2"), "second org has its own slot")
	assert.Error(t, m.AcquireWorker("org-1"))
}

func TestPerOrgOverride(t *testing.T) {
	m := NewManager(PlanQuotas["free"])
	m.SetQuota("org-pro", PlanQuotas["pro"])

	assert.EqualValues(t, 1, m.GetQuota("org-default").MaxConcurrentWorkers)
	assert.EqualValues(t, 5, m.GetQuota("org-pro").MaxConcurrentWorkers)
}

func TestZeroLimitsDisableChecks(t *testing.T) {
	m := NewManager(ResourceQuotas{})
	for i := 0; i < 10; i++ {
		require.NoError(t, m.AcquireWorker("org-1"))
	}
	concurrent, today := m.Usage("org-1")
	assert.EqualValues(t, 10, concurrent)
	assert.EqualValues(t, 10, today)
}
