package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/sandboxd/pkg/workload"
)

func result(i int) workload.Result {
	start := time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC)
	return workload.Result{
		ID:         fmt.Sprintf("wl-%d", i),
		Command:    "echo",
		Args:       []string{"ok"},
		State:      workload.StateExited,
		Reason:     workload.ExitReasonSuccess,
		Stdout:     "ok\n",
		Limits:     workload.Limits{WallTime: time.Second},
		StartedAt:  start,
		FinishedAt: start.Add(10 * time.Millisecond),
		Duration:   10 * time.Millisecond,
	}
}

func stores(t *testing.T, max int) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "history.db"), max)
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(max),
		"sqlite": sqlite,
	}
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t, 0) {
		t.Run(name, func(t *testing.T) {
			want := result(1)
			require.NoError(t, s.Put(ctx, want))

			got, err := s.Get(ctx, want.ID)
			require.NoError(t, err)
			assert.Equal(t, want.ID, got.ID)
			assert.Equal(t, want.Stdout, got.Stdout)
			assert.Equal(t, want.Limits, got.Limits)
			assert.True(t, want.FinishedAt.Equal(got.FinishedAt))

			_, err = s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestPutOverwrites(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t, 0) {
		t.Run(name, func(t *testing.T) {
			r := result(1)
			require.NoError(t, s.Put(ctx, r))
			r.Stdout = "changed"
			require.NoError(t, s.Put(ctx, r))

			all, err := s.List(ctx, 0)
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, "changed", all[0].Stdout)
		})
	}
}

func TestListNewestFirstAndEviction(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t, 3) {
		t.Run(name, func(t *testing.T) {
			for i := 1; i <= 5; i++ {
				require.NoError(t, s.Put(ctx, result(i)))
			}

			all, err := s.List(ctx, 0)
			require.NoError(t, err)
			ids := make([]string, len(all))
			for i, r := range all {
				ids[i] = r.ID
			}
			assert.Equal(t, []string{"wl-5", "wl-4", "wl-3"}, ids)

			_, err = s.Get(ctx, "wl-1")
			assert.ErrorIs(t, err, ErrNotFound)

			two, err := s.List(ctx, 2)
			require.NoError(t, err)
			assert.Len(t, two, 2)
		})
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Config{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "h.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	s.Close()

	_, err = Open(ctx, Config{Driver: "postgres"})
	assert.Error(t, err)
}
