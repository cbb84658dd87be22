package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/relayer/internal/colorscale"
	"github.com/mattjoyce/relayer/internal/ledger"
	"github.com/mattjoyce/relayer/internal/manifest"
	"github.com/mattjoyce/relayer/internal/share"
	"github.com/mattjoyce/relayer/internal/storage"
)

const testJob = "2018-01-19_01-14-17_700-700588804"

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return ledger.New(db)
}

func TestBuildReportRendersRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newLedger(t)

	runDir := filepath.Join(t.TempDir(), "alice", testJob)
	if err := os.MkdirAll(filepath.Join(runDir, "out", "slices"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"out/thickness.json", "out/slices/001.png", share.MarkerName} {
		if err := os.WriteFile(filepath.Join(runDir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	code := 0
	if err := manifest.Write(filepath.Join(runDir, "params.json"), &manifest.Manifest{
		Params:       map[string]string{"eye": "left"},
		User:         "alice",
		RunDir:       runDir,
		UniqResultID: testJob,
		ExitCode:     &code,
		Scale:        colorscale.Scale{{Fraction: "0", Color: "rgb(0,0,0)"}},
		Files:        []manifest.File{{Name: "scan.vol", Size: 6, Blake3: "abc"}},
	}); err != nil {
		t.Fatal(err)
	}

	if err := l.Record(ctx, "alice", testJob, runDir); err != nil {
		t.Fatal(err)
	}
	if err := l.Start(ctx, "alice", testJob, runDir); err != nil {
		t.Fatal(err)
	}
	if err := l.Complete(ctx, "alice", testJob, 0, "warning: slow\n"); err != nil {
		t.Fatal(err)
	}
	taskID, err := l.EnqueueArchive(ctx, "alice", testJob, filepath.Join(runDir, "relayer_results.zip"))
	if err != nil {
		t.Fatal(err)
	}
	if err := l.FinishArchive(ctx, taskID, ledger.ArchiveFailed, errors.New("disk full")); err != nil {
		t.Fatal(err)
	}

	out, err := BuildReport(ctx, l, "alice", testJob)
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	for _, want := range []string{
		"Job ID      : " + testJob,
		"Status      : succeeded",
		"Exit code   : 0",
		"Shared      : true",
		"Archive     : failed",
		"disk full",
		"eye = left",
		"scan.vol (6 bytes, blake3 abc)",
		"rgb(0,0,0)",
		"- slices/001.png",
		"- thickness.json",
		"warning: slow",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}

	js, err := BuildJSONReport(ctx, l, "alice", testJob)
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}
	var report Report
	if err := json.Unmarshal([]byte(js), &report); err != nil {
		t.Fatalf("decode json report: %v", err)
	}
	if !report.Present || !report.Shared || len(report.Artifacts) != 2 || report.Archive == nil {
		t.Fatalf("unexpected json report: %+v", report)
	}
}

func TestBuildReportMissingRunDir(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newLedger(t)

	runDir := filepath.Join(t.TempDir(), "gone")
	if err := l.Record(ctx, "alice", testJob, runDir); err != nil {
		t.Fatal(err)
	}

	out, err := BuildReport(ctx, l, "alice", testJob)
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	if !strings.Contains(out, "(missing)") || !strings.Contains(out, "artifacts: <none>") || !strings.Contains(out, "Archive     : <none>") {
		t.Fatalf("unexpected report:\n%s", out)
	}
}

func TestBuildReportUnknownJob(t *testing.T) {
	t.Parallel()
	l := newLedger(t)
	if _, err := BuildReport(context.Background(), l, "alice", testJob); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("BuildReport(unknown) error = %v", err)
	}
	if _, err := BuildJSONReport(context.Background(), l, "", testJob); err == nil {
		t.Fatal("expected error for empty owner")
	}
}
