package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOpenSeedsDefaultWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	s, err := Open(path)
	require.NoError(t, err)

	doc := s.Snapshot()
	require.Equal(t, "UNCONFIGURED", doc.ConnectionState)
	require.Equal(t, MinCheckIntervalMS, doc.CheckIntervalMS)
	require.False(t, doc.IsConfigured())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	s, err := Open(path)
	require.NoError(t, err)

	err = s.Repair(func(d Document) Document {
		d.AgentID = "agent-123"
		d.PinnedPublicKey = "pinned-key"
		d.ControllerIdentifier = "controller-abc"
		return d
	})
	require.NoError(t, err)

	reloaded, err := Open(path)
	require.NoError(t, err)

	doc := reloaded.Snapshot()
	require.Equal(t, "agent-123", doc.AgentID)
	require.Equal(t, "pinned-key", doc.PinnedPublicKey)
	require.True(t, doc.IsConfigured())
}

func TestMutateCannotChangeAgentIDOrPinnedKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	s, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, s.Repair(func(d Document) Document {
		d.AgentID = "agent-original"
		d.PinnedPublicKey = "key-original"
		return d
	}))

	err = s.Mutate(func(d Document) Document {
		d.AgentID = "agent-hijacked"
		d.PinnedPublicKey = "key-hijacked"
		d.LogLevel = "debug"
		return d
	})
	require.NoError(t, err)

	doc := s.Snapshot()
	require.Equal(t, "agent-original", doc.AgentID)
	require.Equal(t, "key-original", doc.PinnedPublicKey)
	require.Equal(t, "debug", doc.LogLevel)
}

func TestMutateRejectsCheckIntervalBelowFloor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	s, err := Open(path)
	require.NoError(t, err)

	err = s.Mutate(func(d Document) Document {
		d.CheckIntervalMS = 1000
		return d
	})
	require.Error(t, err)

	doc := s.Snapshot()
	require.Equal(t, MinCheckIntervalMS, doc.CheckIntervalMS)
}

func TestWatchPicksUpExternalEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Repair(func(d Document) Document {
		d.AgentID = "agent-watch"
		d.PinnedPublicKey = "key-watch"
		return d
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan Document, 1)
	stop, err := s.Watch(ctx, func(d Document) { changed <- d })
	require.NoError(t, err)
	defer stop()

	onDisk := s.Snapshot()
	onDisk.LogLevel = "debug"
	data, err := json.MarshalIndent(onDisk, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	select {
	case d := <-changed:
		require.Equal(t, "debug", d.LogLevel)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config watch callback")
	}

	require.Equal(t, "debug", s.Snapshot().LogLevel)
}
