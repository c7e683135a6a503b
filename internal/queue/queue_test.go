package queue

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTelemetryAppendPendingAck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data-queue", "pending.json")

	q, err := OpenTelemetryQueue(path, 0)
	require.NoError(t, err)

	require.NoError(t, q.Append(TelemetryEntry{PluginID: "p1", ArtifactID: "cpu", Payload: json.RawMessage(`{"v":1}`)}))
	require.NoError(t, q.Append(TelemetryEntry{PluginID: "p1", ArtifactID: "mem", Payload: json.RawMessage(`{"v":2}`)}))

	pending := q.Pending()
	require.Len(t, pending, 2)

	require.NoError(t, q.Ack([]Key{{PluginID: "p1", ArtifactID: "cpu"}}))
	pending = q.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, "mem", pending[0].ArtifactID)
}

func TestTelemetryQueueSurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.json")

	q, err := OpenTelemetryQueue(path, 0)
	require.NoError(t, err)
	require.NoError(t, q.Append(TelemetryEntry{PluginID: "p1", ArtifactID: "cpu"}))

	reloaded, err := OpenTelemetryQueue(path, 0)
	require.NoError(t, err)
	require.Len(t, reloaded.Pending(), 1)
}

func TestTelemetrySoftCapEvictsOldest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.json")

	q, err := OpenTelemetryQueue(path, 2)
	require.NoError(t, err)

	require.NoError(t, q.Append(TelemetryEntry{PluginID: "p1", ArtifactID: "a"}))
	require.NoError(t, q.Append(TelemetryEntry{PluginID: "p1", ArtifactID: "b"}))
	require.NoError(t, q.Append(TelemetryEntry{PluginID: "p1", ArtifactID: "c"}))

	pending := q.Pending()
	require.Len(t, pending, 2)
	require.Equal(t, "b", pending[0].ArtifactID)
	require.Equal(t, "c", pending[1].ArtifactID)
}

func TestActionResponseAppendPendingAck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "action-responses", "pending.json")

	q, err := OpenActionResponseQueue(path)
	require.NoError(t, err)

	require.NoError(t, q.Append(ActionResponse{TriggerID: "t1"}))
	require.NoError(t, q.Append(ActionResponse{TriggerID: "t2"}))

	require.Len(t, q.Pending(), 2)

	require.NoError(t, q.Ack([]string{"t1"}))
	pending := q.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, "t2", pending[0].TriggerID)
}

func TestOpenQueueOnMissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.json")

	q, err := OpenTelemetryQueue(path, 0)
	require.NoError(t, err)
	require.Empty(t, q.Pending())
}
