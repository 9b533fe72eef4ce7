package research

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agentbrowser-core/internal/config"
	"agentbrowser-core/internal/recorder"
	"agentbrowser-core/internal/search"

	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	results []search.Result
	err     error
	delay   time.Duration
}

func (f *fakeProvider) Search(ctx context.Context, query string, limit int) ([]search.Result, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func testCfg() config.ResearchConfig {
	return config.ResearchConfig{
		SessionTimeoutMs: 100,
		SweepIntervalMs:  20,
		MaxPagesDefault:  5,
		StopAckTimeoutMs: 200,
		MaxExtractChars:  1000,
	}
}

func TestStartAndStatusNotFound(t *testing.T) {
	r := NewRegistry(testCfg(), nil, &fakeProvider{})
	_, err := r.Status("does-not-exist")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStartFailsSearch(t *testing.T) {
	r := NewRegistry(testCfg(), nil, &fakeProvider{err: errors.New("boom")})
	id, err := r.Start(context.Background(), "query", 2)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := r.Status(id)
		require.NoError(t, err)
		return snap.Status == StatusFailed
	}, time.Second, 10*time.Millisecond)

	snap, err := r.Status(id)
	require.NoError(t, err)
	require.Equal(t, "boom", snap.Error)
}

func TestStartWithNoResultsCompletes(t *testing.T) {
	r := NewRegistry(testCfg(), nil, &fakeProvider{results: nil})
	id, err := r.Start(context.Background(), "query", 2)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := r.Status(id)
		require.NoError(t, err)
		return snap.Status == StatusCompleted
	}, time.Second, 10*time.Millisecond)

	results, err := r.Result(id)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestStopAcknowledgesBeforeCompletion(t *testing.T) {
	r := NewRegistry(testCfg(), nil, &fakeProvider{delay: 500 * time.Millisecond})
	id, err := r.Start(context.Background(), "query", 2)
	require.NoError(t, err)

	err = r.Stop(id)
	require.NoError(t, err)

	snap, err := r.Status(id)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, snap.Status)
}

func TestStopUnknownSession(t *testing.T) {
	r := NewRegistry(testCfg(), nil, &fakeProvider{})
	err := r.Stop("does-not-exist")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestListIncludesAllSessions(t *testing.T) {
	r := NewRegistry(testCfg(), nil, &fakeProvider{delay: 200 * time.Millisecond})
	id1, _ := r.Start(context.Background(), "q1", 1)
	id2, _ := r.Start(context.Background(), "q2", 1)

	snaps := r.List()
	ids := map[string]bool{}
	for _, s := range snaps {
		ids[s.ID] = true
	}
	require.True(t, ids[id1])
	require.True(t, ids[id2])
}

func TestRegistryTracesProgressWhenRecorderAttached(t *testing.T) {
	dir := t.TempDir()
	rec, err := recorder.NewRecorder(dir)
	require.NoError(t, err)
	require.NoError(t, rec.Start("trace-test"))

	r := NewRegistry(testCfg(), nil, &fakeProvider{results: nil}).WithRecorder(rec)
	id, err := r.Start(context.Background(), "traced query", 1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := r.Status(id)
		require.NoError(t, err)
		return snap.Status == StatusCompleted
	}, time.Second, 10*time.Millisecond)
	rec.Close()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	f, err := os.Open(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	found := false
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), "research_progress") && strings.Contains(scanner.Text(), id) {
			found = true
		}
	}
	require.True(t, found, "expected a traced research_progress event for session %s", id)
}

func TestSweepEvictsTerminalSessionsPastTimeout(t *testing.T) {
	r := NewRegistry(testCfg(), nil, &fakeProvider{results: nil})
	id, err := r.Start(context.Background(), "query", 1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := r.Status(id)
		require.NoError(t, err)
		return snap.Status == StatusCompleted
	}, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.StartSweeper(ctx)

	require.Eventually(t, func() bool {
		_, err := r.Status(id)
		return errors.Is(err, ErrSessionNotFound)
	}, 2*time.Second, 20*time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	require.NoError(t, r.Shutdown(shutdownCtx))
}
