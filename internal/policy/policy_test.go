package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agent-core/internal/config"
)

type fakePersister struct {
	docs []config.Document
}

func (f *fakePersister) Mutate(fn func(config.Document) config.Document) error {
	var last config.Document
	if len(f.docs) > 0 {
		last = f.docs[len(f.docs)-1]
	}
	f.docs = append(f.docs, fn(last))
	return nil
}

func TestCreateUpdateDelete(t *testing.T) {
	p := &fakePersister{}
	e := New(p, nil)
	now := time.Now()

	created, err := e.Create(config.Policy{ProcessName: "chrome.exe", Allowed: false}, now)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	updated, err := e.Update(created.ID, func(pol config.Policy) config.Policy {
		pol.Allowed = true
		return pol
	}, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, updated.Allowed)
	require.Equal(t, created.ID, updated.ID)
	require.Equal(t, created.CreatedTS, updated.CreatedTS)

	require.NoError(t, e.Delete(created.ID))
	_, ok := e.Get(created.ID)
	require.False(t, ok)
}

func TestUpdateUnknownIDFails(t *testing.T) {
	e := New(&fakePersister{}, nil)
	_, err := e.Update("missing", func(p config.Policy) config.Policy { return p }, time.Now())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReconcileReplacesFullSet(t *testing.T) {
	p := &fakePersister{}
	e := New(p, []config.Policy{{ID: "old", ProcessName: "old.exe"}})

	require.NoError(t, e.Reconcile([]config.Policy{{ID: "new", ProcessName: "new.exe"}}))

	_, hasOld := e.Get("old")
	require.False(t, hasOld)
	_, hasNew := e.Get("new")
	require.True(t, hasNew)
}

func TestActiveNowWithoutScheduleIsAlwaysActive(t *testing.T) {
	e := New(&fakePersister{}, []config.Policy{{ID: "a", ProcessName: "x.exe"}})
	require.Len(t, e.ActiveNow(time.Now()), 1)
}

func TestActiveNowRespectsWindowAndDay(t *testing.T) {
	mon := time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC) // Monday
	sched := &config.Schedule{
		StartHHMM:  "09:00",
		EndHHMM:    "17:00",
		DaysOfWeek: 1 << uint(time.Monday),
	}
	e := New(&fakePersister{}, []config.Policy{{ID: "a", ProcessName: "x.exe", Schedule: sched}})

	require.Len(t, e.ActiveNow(mon), 1)

	outsideWindow := time.Date(2026, 8, 3, 20, 0, 0, 0, time.UTC)
	require.Len(t, e.ActiveNow(outsideWindow), 0)

	wrongDay := time.Date(2026, 8, 4, 10, 0, 0, 0, time.UTC) // Tuesday
	require.Len(t, e.ActiveNow(wrongDay), 0)
}

func TestMatchProcessNameExactCaseInsensitive(t *testing.T) {
	e := New(&fakePersister{}, []config.Policy{{ID: "a", ProcessName: "Chrome.exe", Allowed: false}})
	matches := e.MatchProcessName("chrome.exe", time.Now())
	require.Len(t, matches, 1)
}

func TestMatchProcessNameWildcardGlob(t *testing.T) {
	e := New(&fakePersister{}, []config.Policy{{ID: "a", ProcessName: "chrome*.exe", Allowed: false}})
	matches := e.MatchProcessName("chrome_helper.exe", time.Now())
	require.Len(t, matches, 1)
}

func TestMatchProcessNameNoMatch(t *testing.T) {
	e := New(&fakePersister{}, []config.Policy{{ID: "a", ProcessName: "notepad.exe", Allowed: false}})
	require.Empty(t, e.MatchProcessName("chrome.exe", time.Now()))
}
