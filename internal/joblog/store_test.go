package joblog

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sqsd-gate/internal/log"
	"github.com/mattjoyce/sqsd-gate/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "gate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestStartAndComplete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id, err := s.Start(ctx, StartRequest{
		Kind:         KindJob,
		Name:         "ReportJob",
		JobID:        "0b6a",
		MessageID:    "msg-1",
		Queue:        "worker-queue",
		ReceiveCount: 2,
	})
	require.NoError(t, err)

	e, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, e.Status)
	assert.Equal(t, "msg-1", e.MessageID)
	assert.Equal(t, 2, e.ReceiveCount)
	assert.Nil(t, e.CompletedAt)

	require.NoError(t, s.Complete(ctx, id, Result{Status: StatusFailed, LastError: "boom", Stderr: "trace"}))

	e, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, e.Status)
	require.NotNil(t, e.CompletedAt)
	require.NotNil(t, e.LastError)
	assert.Equal(t, "boom", *e.LastError)
	require.NotNil(t, e.Stderr)
	assert.Equal(t, "trace", *e.Stderr)
}

func TestStartValidation(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Start(context.Background(), StartRequest{Kind: KindJob})
	assert.Error(t, err)

	_, err = s.Start(context.Background(), StartRequest{Kind: "poll", Name: "x"})
	assert.Error(t, err)
}

func TestCompleteValidation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	assert.Error(t, s.Complete(ctx, "", Result{Status: StatusSucceeded}))
	assert.ErrorIs(t, s.Complete(ctx, "missing", Result{Status: StatusSucceeded}), ErrExecutionNotFound)

	id, err := s.Start(ctx, StartRequest{Kind: KindTask, Name: "cleanup"})
	require.NoError(t, err)
	assert.Error(t, s.Complete(ctx, id, Result{Status: StatusRunning}))
}

func TestCompleteTruncatesStderr(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id, err := s.Start(ctx, StartRequest{Kind: KindJob, Name: "NoisyJob"})
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, id, Result{Status: StatusSucceeded, Stderr: strings.Repeat("x", maxStderrBytes+10)}))

	e, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, e.Stderr)
	assert.Len(t, *e.Stderr, maxStderrBytes)
}

func TestGetNotFound(t *testing.T) {
	_, err := openTestStore(t).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestRecentNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, name := range []string{"First", "Second", "Third"} {
		at := base.Add(time.Duration(i) * time.Minute)
		s.now = func() time.Time { return at }
		_, err := s.Start(ctx, StartRequest{Kind: KindJob, Name: name})
		require.NoError(t, err)
	}

	got, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Third", got[0].Name)
	assert.Equal(t, "Second", got[1].Name)
}

func TestSubSecondTimestampsOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	// Fractional and whole-second starts within the same second, inserted
	// so that rowid order disagrees with start order.
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base.Add(500 * time.Millisecond) }
	laterID, err := s.Start(ctx, StartRequest{Kind: KindJob, Name: "Later"})
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, laterID, Result{Status: StatusSucceeded}))
	s.now = func() time.Time { return base }
	earlierID, err := s.Start(ctx, StartRequest{Kind: KindJob, Name: "Earlier"})
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, earlierID, Result{Status: StatusSucceeded}))

	got, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Later", got[0].Name)
	assert.Equal(t, "Earlier", got[1].Name)
	assert.True(t, got[0].StartedAt.Equal(base.Add(500*time.Millisecond)))

	// Cutoff falls between the two starts.
	s.now = func() time.Time { return base.Add(time.Hour + 100*time.Millisecond) }
	n, err := s.Prune(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, earlierID)
	assert.ErrorIs(t, err, ErrExecutionNotFound)
	_, err = s.Get(ctx, laterID)
	assert.NoError(t, err)
}

func TestPruneKeepsRunningAndRecent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return old }
	doneID, err := s.Start(ctx, StartRequest{Kind: KindJob, Name: "OldDone"})
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, doneID, Result{Status: StatusSucceeded}))
	runningID, err := s.Start(ctx, StartRequest{Kind: KindJob, Name: "OldRunning"})
	require.NoError(t, err)

	now := old.Add(30 * 24 * time.Hour)
	s.now = func() time.Time { return now }
	recentID, err := s.Start(ctx, StartRequest{Kind: KindJob, Name: "Recent"})
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, recentID, Result{Status: StatusSucceeded}))

	n, err := s.Prune(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, doneID)
	assert.ErrorIs(t, err, ErrExecutionNotFound)
	_, err = s.Get(ctx, runningID)
	assert.NoError(t, err)
	_, err = s.Get(ctx, recentID)
	assert.NoError(t, err)

	n, err = s.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunPruner(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := openTestStore(t)

	old := time.Now().Add(-48 * time.Hour)
	s.now = func() time.Time { return old }
	id, err := s.Start(ctx, StartRequest{Kind: KindJob, Name: "Old"})
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, id, Result{Status: StatusSucceeded}))
	s.now = time.Now

	done := make(chan struct{})
	go func() {
		s.RunPruner(ctx, time.Hour, 24*time.Hour, log.Discard())
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := s.Get(context.Background(), id)
		return errors.Is(err, ErrExecutionNotFound)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
