package updater

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	version string
	err     error
}

func (f *fakeSource) LatestVersion(ctx context.Context) (string, error) { return f.version, f.err }

func TestCheckNowMarksNewerVersionAvailable(t *testing.T) {
	src := &fakeSource{version: "2.0.0"}
	exited := false
	u := New(Config{CurrentVersion: "1.0.0"}, src, func() { exited = true }, zerolog.Nop())

	require.NoError(t, u.CheckNow(context.Background()))
	require.NoError(t, u.Apply(context.Background()))
	require.True(t, exited)
}

func TestCheckNowSkipsWhenUpToDate(t *testing.T) {
	src := &fakeSource{version: "1.0.0"}
	exited := false
	u := New(Config{CurrentVersion: "1.0.0"}, src, func() { exited = true }, zerolog.Nop())

	require.NoError(t, u.CheckNow(context.Background()))
	require.NoError(t, u.Apply(context.Background()))
	require.False(t, exited)
}

func TestApplyWithoutPriorCheckDoesNotExit(t *testing.T) {
	exited := false
	u := New(Config{CurrentVersion: "1.0.0"}, &fakeSource{}, func() { exited = true }, zerolog.Nop())

	require.NoError(t, u.Apply(context.Background()))
	require.False(t, exited)
}

func TestCheckNowPropagatesSourceError(t *testing.T) {
	src := &fakeSource{err: errors.New("boom")}
	u := New(Config{CurrentVersion: "1.0.0"}, src, nil, zerolog.Nop())

	require.Error(t, u.CheckNow(context.Background()))
}

func TestDisabledSkipsCheck(t *testing.T) {
	src := &fakeSource{version: "9.9.9"}
	exited := false
	u := New(Config{CurrentVersion: "1.0.0", Disabled: true}, src, func() { exited = true }, zerolog.Nop())

	require.NoError(t, u.CheckNow(context.Background()))
	require.NoError(t, u.Apply(context.Background()))
	require.False(t, exited)
}
