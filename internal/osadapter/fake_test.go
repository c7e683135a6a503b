package osadapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeMatchByNameIsCaseInsensitive(t *testing.T) {
	f := &Fake{Procs: []ProcessInfo{
		{PID: 1, Name: "Chrome.exe"},
		{PID: 2, Name: "notepad.exe"},
	}}

	matches, err := f.MatchByName(context.Background(), "chrome.exe")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, int32(1), matches[0].PID)
}

func TestFakeTerminateRemovesProcess(t *testing.T) {
	f := &Fake{Procs: []ProcessInfo{{PID: 1, Name: "a"}, {PID: 2, Name: "b"}}}

	err := f.Terminate(context.Background(), 1, time.Second)
	require.NoError(t, err)
	require.Equal(t, []int32{1}, f.Terminated)

	remaining, err := f.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, int32(2), remaining[0].PID)
}
