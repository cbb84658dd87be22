package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/relayer/internal/ledger"
	"github.com/mattjoyce/relayer/internal/lock"
	"github.com/mattjoyce/relayer/internal/manifest"
	"github.com/mattjoyce/relayer/internal/storage"
)

const testJob = "2018-01-19_01-14-17_700-700588804"

// writeConfig lays out a data root with a colour table and returns the
// config path.
func writeConfig(t *testing.T, extra string) (root, path string) {
	t.Helper()
	root = t.TempDir()
	table := make([]string, 256)
	for i := range table {
		table[i] = "0,0,0"
	}
	data, err := json.Marshal(table)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "colourMap.json"), data, 0o644))

	yaml := "service:\n  public_url: https://relayer.example.org\n" +
		"paths:\n  root: " + root + "\n" +
		"tool:\n  bin: /bin/sh\n  timeout: 1m\n" +
		"api:\n  enabled: true\n  listen: 127.0.0.1:0\n" + extra
	path = filepath.Join(root, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return root, path
}

func run(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

// seedRun writes a finished run the way the pipeline leaves it.
func seedRun(t *testing.T, root string) string {
	t.Helper()
	runDir := filepath.Join(root, "users", "alice", testJob)
	require.NoError(t, os.MkdirAll(filepath.Join(runDir, "out"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "out", "thickness.json"), []byte("[[1]]"), 0o644))
	code := 0
	require.NoError(t, manifest.Write(filepath.Join(runDir, "params.json"), &manifest.Manifest{
		User:         manifest.EncodeOwner("alice"),
		RunDir:       runDir,
		UniqResultID: testJob,
		ExitCode:     &code,
		Files:        []manifest.File{{Name: "scan.vol", Size: 6}},
	}))
	return runDir
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, context.Background(), "version", "--json")
	require.NoError(t, err)

	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.Commit)

	out, err = run(t, context.Background(), "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "relayer "))
}

func TestShortenCommit(t *testing.T) {
	assert.Equal(t, "abc", shortenCommit("abc"))
	assert.Equal(t, "0123456789ab", shortenCommit("0123456789abcdef"))
}

func TestConfigCheck(t *testing.T) {
	_, path := writeConfig(t, "")

	out, err := run(t, context.Background(), "--config", path, "config", "check")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration valid")

	// The staging, users and public dirs do not exist yet.
	_, err = run(t, context.Background(), "--config", path, "config", "check", "--strict")
	assert.ErrorIs(t, err, errCheckFailed)

	out, err = run(t, context.Background(), "--config", path, "config", "check", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"valid": true`)
}

func TestConfigCheckMissingColourMap(t *testing.T) {
	root, path := writeConfig(t, "")
	require.NoError(t, os.Remove(filepath.Join(root, "colourMap.json")))

	out, err := run(t, context.Background(), "--config", path, "config", "check")
	assert.ErrorIs(t, err, errCheckFailed)
	assert.Contains(t, out, "colour_map")
}

func TestHistoryShareUnshare(t *testing.T) {
	root, path := writeConfig(t, "")
	ctx := context.Background()

	out, err := run(t, ctx, "--config", path, "history", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "No runs for alice.")

	runDir := seedRun(t, root)

	out, err = run(t, ctx, "--config", path, "share", "alice", testJob)
	require.NoError(t, err)
	assert.Equal(t, "https://relayer.example.org/sh/"+manifest.EncodeOwner("alice")+"/"+testJob, strings.TrimSpace(out))
	assert.FileExists(t, filepath.Join(root, "public", "share", "alice", testJob, "out", "thickness.json"))

	out, err = run(t, ctx, "--config", path, "history", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, testJob)
	assert.Contains(t, out, "scan.vol")
	assert.Contains(t, out, "yes")

	out, err = run(t, ctx, "--config", path, "history", "alice", "--json")
	require.NoError(t, err)
	var entries []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, true, entries[0]["share"])

	_, err = run(t, ctx, "--config", path, "unshare", "alice", testJob)
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(root, "public", "share", "alice", testJob))
	assert.DirExists(t, runDir)

	_, err = run(t, ctx, "--config", path, "share", "alice", "not-a-job")
	assert.Error(t, err)
}

func TestInspectCommand(t *testing.T) {
	root, path := writeConfig(t, "")
	ctx := context.Background()
	runDir := seedRun(t, root)

	db, err := storage.OpenSQLite(ctx, filepath.Join(root, "state.db"))
	require.NoError(t, err)
	l := ledger.New(db)
	require.NoError(t, l.Record(ctx, "alice", testJob, runDir))
	require.NoError(t, l.Start(ctx, "alice", testJob, runDir))
	require.NoError(t, l.Complete(ctx, "alice", testJob, 0, ""))
	require.NoError(t, db.Close())

	out, err := run(t, ctx, "--config", path, "inspect", "alice", testJob)
	require.NoError(t, err)
	assert.Contains(t, out, "Status      : succeeded")
	assert.Contains(t, out, "- thickness.json")

	_, err = run(t, ctx, "--config", path, "inspect", "bob", testJob)
	assert.ErrorContains(t, err, "not found")
}

func TestSweepCommand(t *testing.T) {
	root, path := writeConfig(t, "uploads:\n  abandon_after: 1h\n")

	stale := filepath.Join(root, "tmp", "upload-1")
	fresh := filepath.Join(root, "tmp", "upload-2")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, os.MkdirAll(fresh, 0o755))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	out, err := run(t, context.Background(), "--config", path, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 1 abandoned upload(s)")
	assert.NoDirExists(t, stale)
	assert.DirExists(t, fresh)
}

func TestServeRefusesSecondInstance(t *testing.T) {
	root, path := writeConfig(t, "")
	held, err := lock.Acquire(filepath.Join(root, lock.FileName))
	require.NoError(t, err)
	defer held.Release()

	_, err = run(t, context.Background(), "--config", path, "serve")
	assert.True(t, errors.Is(err, lock.ErrHeld), "serve error = %v", err)
}

func TestServeRecoversAndStopsOnCancel(t *testing.T) {
	root, path := writeConfig(t, "")
	ctx := context.Background()

	db, err := storage.OpenSQLite(ctx, filepath.Join(root, "state.db"))
	require.NoError(t, err)
	require.NoError(t, ledger.New(db).Record(ctx, "alice", testJob, filepath.Join(root, "users", "alice", ".staging-"+testJob)))
	require.NoError(t, db.Close())

	runCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	_, err = run(t, runCtx, "--config", path, "serve")
	require.NoError(t, err)

	db, err = storage.OpenSQLite(ctx, filepath.Join(root, "state.db"))
	require.NoError(t, err)
	defer db.Close()
	job, err := ledger.New(db).Get(ctx, "alice", testJob)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, job.Status)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "interrupted")
}
