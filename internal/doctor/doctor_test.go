package doctor

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/relayer/internal/config"
)

func writeColourMap(t *testing.T, path string, n int) {
	t.Helper()
	entries := make([]string, n)
	for i := range entries {
		entries[i] = strconv.Itoa(i%256) + ",0,0"
	}
	data, err := json.Marshal(entries)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Paths.Root = t.TempDir()
	cfg.Service.PublicURL = "https://relayer.example.org"
	cfg.Tool.Bin = "segment"
	cfg.Tool.Timeout = 30 * time.Minute
	for _, dir := range []string{cfg.StagingDir(), cfg.UsersDir(), cfg.PublicDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	writeColourMap(t, cfg.ColourMap(), 256)
	return cfg
}

func newDoctor(cfg *config.Config) *Doctor {
	d := New(cfg)
	d.lookPath = func(bin string) (string, error) {
		if bin == "segment" {
			return "/usr/local/bin/segment", nil
		}
		return "", errors.New("executable file not found in $PATH")
	}
	return d
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := newDoctor(validConfig(t)).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
}

func TestValidate_ToolNotFound(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Tool.Bin = "matlab"
	r := newDoctor(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "tool", "not found")
}

func TestValidate_LibraryPathMissing(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Tool.LibraryPath = filepath.Join(cfg.Paths.Root, "lib")
	r := newDoctor(cfg).Validate()
	assertHasError(t, r, "tool", "not a directory")
}

func TestValidate_ToolWarnings(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Tool.Timeout = 0
	cfg.Tool.OutputGrid = ""
	cfg.Tool.Args = []string{"-batch", "run('{request}', {param:eye}, {param:machine_type})"}
	r := newDoctor(cfg).Validate()
	if !r.Valid {
		t.Fatalf("warnings should not invalidate: %v", r.Errors)
	}
	assertHasWarning(t, r, "tool", "no timeout")
	assertHasWarning(t, r, "tool", "empty colour scale")
	assertHasWarning(t, r, "tool", "eye, machine_type")
}

func TestValidate_ColourMapMissing(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	if err := os.Remove(cfg.ColourMap()); err != nil {
		t.Fatal(err)
	}
	r := newDoctor(cfg).Validate()
	assertHasError(t, r, "colour_map", "open colour table")
}

func TestValidate_ColourMapChecksum(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Paths.ColourMapChecksum = strings.Repeat("0", 64)
	r := newDoctor(cfg).Validate()
	assertHasError(t, r, "colour_map", "verification failed")

	sum, err := config.ComputeBlake3Hash(cfg.ColourMap())
	if err != nil {
		t.Fatal(err)
	}
	cfg.Paths.ColourMapChecksum = sum
	if r := newDoctor(cfg).Validate(); !r.Valid {
		t.Fatalf("matching checksum rejected: %v", r.Errors)
	}
}

func TestValidate_ShortColourMap(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	writeColourMap(t, cfg.ColourMap(), 10)
	r := newDoctor(cfg).Validate()
	assertHasWarning(t, r, "colour_map", "only 10 entries")
}

func TestValidate_Paths(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	if err := os.RemoveAll(cfg.UsersDir()); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(cfg.PublicDir()); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.PublicDir(), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := newDoctor(cfg).Validate()
	assertHasWarning(t, r, "paths", "will be created")
	assertHasError(t, r, "paths", "not a directory")
}

func TestValidate_API(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Listen = "9292"
	r := newDoctor(cfg).Validate()
	assertHasError(t, r, "api", "invalid listen address")

	cfg.API.Enabled = false
	r = newDoctor(cfg).Validate()
	if !r.Valid {
		t.Fatalf("disabled API should not be validated: %v", r.Errors)
	}
	assertHasWarning(t, r, "api", "housekeeping")
}

func TestValidate_PlainHTTPPublicURL(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Service.PublicURL = "http://relayer.example.org"
	assertHasWarning(t, newDoctor(cfg).Validate(), "service", "plain http")

	cfg.Service.PublicURL = "http://127.0.0.1:9292"
	if r := newDoctor(cfg).Validate(); len(r.Warnings) != 0 {
		t.Fatalf("loopback http should not warn: %v", r.Warnings)
	}
}

func TestValidate_S3Endpoint(t *testing.T) {
	cfg := validConfig(t)
	t.Setenv("AWS_ACCESS_KEY_ID", "")
	t.Setenv("AWS_PROFILE", "")
	cfg.Archive.S3 = config.S3Config{Bucket: "results", Region: "us-east-1", Endpoint: "minio:9000"}
	r := newDoctor(cfg).Validate()
	assertHasError(t, r, "archive", "invalid endpoint")
	assertHasWarning(t, r, "archive", "default credential chain")
}

func TestValidate_ShortAbandonAfter(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Uploads.AbandonAfter = 10 * time.Minute
	assertHasWarning(t, newDoctor(cfg).Validate(), "uploads", "less than 1h")
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:  false,
		Errors: []Issue{{Category: "test", Message: "bad thing"}},
	}
	out, err := FormatJSON(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "bad thing") {
		t.Fatalf("expected JSON to contain error message, got: %s", out)
	}
}

func TestFormatHuman_Valid(t *testing.T) {
	t.Parallel()
	r := &Result{Valid: true}
	out := FormatHuman(r)
	if !strings.Contains(out, "valid") {
		t.Fatalf("expected 'valid' in output, got: %s", out)
	}
}

func TestFormatHuman_Errors(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:    false,
		Errors:   []Issue{{Category: "test", Field: "x.y", Message: "broken"}},
		Warnings: []Issue{{Category: "test", Message: "iffy"}},
	}
	out := FormatHuman(r)
	if !strings.Contains(out, "ERROR [test] x.y: broken") || !strings.Contains(out, "WARN  [test] iffy") {
		t.Fatalf("unexpected output: %s", out)
	}
}

// --- helpers ---

func assertHasError(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && strings.Contains(e.Message, substring) {
			return
		}
	}
	t.Fatalf("expected error with category=%q containing %q, got: %v", category, substring, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && strings.Contains(w.Message, substring) {
			return
		}
	}
	t.Fatalf("expected warning with category=%q containing %q, got: %v", category, substring, r.Warnings)
}
