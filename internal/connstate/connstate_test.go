package connstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUnconfiguredStaysOnSuccessAndFailure(t *testing.T) {
	m := New(Unconfigured)
	now := time.Now()

	snap, _ := m.OnSuccess(now)
	require.Equal(t, Unconfigured, snap.State)

	snap = m.OnFailure(now)
	require.Equal(t, Unconfigured, snap.State)
}

func TestOnlineFailureEntersConnecting(t *testing.T) {
	m := New(Online)
	snap := m.OnFailure(time.Now())
	require.Equal(t, Connecting, snap.State)
	require.Equal(t, 1, snap.ConsecutiveFailures)
}

func TestConnectingEscalatesToDegradedAtThreshold(t *testing.T) {
	m := New(Online)
	now := time.Now()

	m.OnFailure(now)
	m.OnFailure(now)
	snap := m.OnFailure(now)

	require.Equal(t, Degraded, snap.State)
	require.Equal(t, DegradedThreshold, snap.ConsecutiveFailures)
	require.NotNil(t, snap.OfflineSinceTS)
}

func TestConnectingStaysBelowThreshold(t *testing.T) {
	m := New(Online)
	now := time.Now()

	m.OnFailure(now)
	snap := m.OnFailure(now)

	require.Equal(t, Connecting, snap.State)
	require.Equal(t, 2, snap.ConsecutiveFailures)
}

func TestDegradedEscalatesToOfflineAtThreshold(t *testing.T) {
	m := New(Degraded)
	now := time.Now()

	var snap Snapshot
	for i := 0; i < OfflineThreshold; i++ {
		snap = m.OnFailure(now)
	}

	require.Equal(t, Offline, snap.State)
	require.Equal(t, OfflineThreshold, snap.ConsecutiveFailures)
}

func TestDegradedJustBelowThresholdStaysDegraded(t *testing.T) {
	m := New(Degraded)
	now := time.Now()

	var snap Snapshot
	for i := 0; i < OfflineThreshold-1; i++ {
		snap = m.OnFailure(now)
	}

	require.Equal(t, Degraded, snap.State)
	require.Equal(t, OfflineThreshold-1, snap.ConsecutiveFailures)
}

func TestOfflineStaysOfflineAndCountsGrow(t *testing.T) {
	m := New(Offline)
	now := time.Now()

	m.OnFailure(now)
	snap := m.OnFailure(now)

	require.Equal(t, Offline, snap.State)
	require.Equal(t, 2, snap.ConsecutiveFailures)
}

func TestOnSuccessRecoversFromOfflineAndReportsDuration(t *testing.T) {
	m := New(Online)
	start := time.Now()

	m.OnFailure(start)
	m.OnFailure(start)
	m.OnFailure(start)
	require.Equal(t, Degraded, m.Snapshot().State)

	later := start.Add(5 * time.Minute)
	snap, recovered := m.OnSuccess(later)

	require.Equal(t, Online, snap.State)
	require.Equal(t, 0, snap.ConsecutiveFailures)
	require.Nil(t, snap.OfflineSinceTS)
	require.Equal(t, 5*time.Minute, recovered)
}

func TestRetryIntervalPerState(t *testing.T) {
	online := 5 * time.Second

	require.Equal(t, RetryConnecting, New(Connecting).RetryInterval(online))
	require.Equal(t, RetryDegraded, New(Degraded).RetryInterval(online))
	require.Equal(t, RetryOffline, New(Offline).RetryInterval(online))
	require.Equal(t, online, New(Online).RetryInterval(online))
	require.Equal(t, RetryOffline, New(Unconfigured).RetryInterval(online))
}
