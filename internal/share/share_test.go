package share

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/relayer/internal/errs"
	"github.com/mattjoyce/relayer/internal/events"
	"github.com/mattjoyce/relayer/internal/log"
	"github.com/mattjoyce/relayer/internal/workspace"
)

const testJob = "2018-01-19_01-14-17_700-700588804"

type fixture struct {
	ws     *workspace.Manager
	shares *Manager
	hub    *events.Hub
	root   string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	ws, err := workspace.NewManager(filepath.Join(root, "users"), log.Discard())
	require.NoError(t, err)
	hub := events.NewHub(16)
	return fixture{
		ws:     ws,
		shares: New(ws, filepath.Join(root, "public", "share"), hub, log.Discard()),
		hub:    hub,
		root:   root,
	}
}

func (f fixture) committedRun(t *testing.T, owner, jobID string) workspace.RunDirectory {
	t.Helper()
	ctx := context.Background()
	rd, err := f.ws.CreateRunDirectory(ctx, owner, jobID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(rd.OutputsDir(), "thickness.json"), []byte("[[1]]"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(rd.OutputsDir(), "001.jpg"), []byte("jpeg"), 0o644))
	require.NoError(t, os.WriteFile(rd.ManifestPath(), []byte(`{"uniq_result_id":"`+jobID+`"}`), 0o644))
	rd, err = f.ws.Commit(ctx, rd)
	require.NoError(t, err)
	return rd
}

func countMarkers(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	n := 0
	for _, e := range entries {
		if e.Name() == MarkerName {
			n++
		}
	}
	return n
}

func TestPublishTwiceLeavesOneCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rd := f.committedRun(t, "alice", testJob)

	require.NoError(t, f.shares.Publish(ctx, "alice", testJob))
	require.NoError(t, f.shares.Publish(ctx, "alice", testJob))

	assert.True(t, IsShared(rd))
	assert.Equal(t, 1, countMarkers(t, rd.Dir))

	dst, err := f.shares.Dir("alice", testJob)
	require.NoError(t, err)
	for _, name := range []string{"out/thickness.json", "out/001.jpg", "params.json"} {
		_, err := os.Stat(filepath.Join(dst, name))
		assert.NoError(t, err, name)
	}

	ownerEntries, err := os.ReadDir(filepath.Dir(dst))
	require.NoError(t, err)
	require.Len(t, ownerEntries, 1, "no leftover staging next to the copy")

	assert.Len(t, f.hub.SnapshotSince(0), 1, "second publish is a no-op")
}

func TestPublishRepairsMissingCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rd := f.committedRun(t, "alice", testJob)
	require.NoError(t, f.shares.Publish(ctx, "alice", testJob))

	dst, err := f.shares.Dir("alice", testJob)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(dst))

	require.NoError(t, f.shares.Publish(ctx, "alice", testJob))
	_, err = os.Stat(filepath.Join(dst, "params.json"))
	assert.NoError(t, err)
	assert.True(t, IsShared(rd))
}

func TestConcurrentPublishSameRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rd := f.committedRun(t, "alice", testJob)

	const n = 8
	errCh := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- f.shares.Publish(ctx, "alice", testJob)
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		assert.NoError(t, err)
	}

	dst, err := f.shares.Dir("alice", testJob)
	require.NoError(t, err)
	for _, name := range []string{"out/thickness.json", "out/001.jpg", "params.json"} {
		_, err := os.Stat(filepath.Join(dst, name))
		assert.NoError(t, err, name)
	}
	ownerEntries, err := os.ReadDir(filepath.Dir(dst))
	require.NoError(t, err)
	require.Len(t, ownerEntries, 1, "no leftover staging next to the copy")
	assert.True(t, IsShared(rd))
}

func TestPublishCopyIsIndependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rd := f.committedRun(t, "alice", testJob)
	require.NoError(t, f.shares.Publish(ctx, "alice", testJob))

	manifest, err := f.shares.ManifestPath("alice", testJob)
	require.NoError(t, err)

	// Retiring the private run must not take the public copy with it.
	require.NoError(t, os.RemoveAll(rd.Dir))
	data, err := os.ReadFile(manifest)
	require.NoError(t, err)
	assert.Contains(t, string(data), testJob)
}

func TestPublishUnknownRun(t *testing.T) {
	f := newFixture(t)
	err := f.shares.Publish(context.Background(), "alice", testJob)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestUnpublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rd := f.committedRun(t, "alice", testJob)
	require.NoError(t, f.shares.Publish(ctx, "alice", testJob))

	require.NoError(t, f.shares.Unpublish(ctx, "alice", testJob))
	assert.False(t, IsShared(rd))
	dst, err := f.shares.Dir("alice", testJob)
	require.NoError(t, err)
	_, err = os.Stat(dst)
	assert.True(t, os.IsNotExist(err))

	snap := f.hub.SnapshotSince(0)
	require.Len(t, snap, 2)
	assert.Equal(t, events.ShareUnpublished, snap[1].Type)
}

func TestUnpublishNeverShared(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.committedRun(t, "alice", testJob)

	assert.NoError(t, f.shares.Unpublish(ctx, "alice", testJob))
	assert.NoError(t, f.shares.Unpublish(ctx, "bob", testJob), "unknown run")
	assert.Empty(t, f.hub.SnapshotSince(0))
}

func TestRejectsTraversal(t *testing.T) {
	f := newFixture(t)
	err := f.shares.Unpublish(context.Background(), "..", testJob)
	assert.True(t, errs.IsValidation(err))
	_, err = f.shares.Dir("alice", "../x")
	assert.True(t, errs.IsValidation(err))
}
