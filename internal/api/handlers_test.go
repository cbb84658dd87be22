package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/relayer/internal/archive"
	"github.com/mattjoyce/relayer/internal/colorscale"
	"github.com/mattjoyce/relayer/internal/config"
	"github.com/mattjoyce/relayer/internal/dispatch"
	"github.com/mattjoyce/relayer/internal/events"
	"github.com/mattjoyce/relayer/internal/history"
	"github.com/mattjoyce/relayer/internal/ledger"
	"github.com/mattjoyce/relayer/internal/log"
	"github.com/mattjoyce/relayer/internal/manifest"
	"github.com/mattjoyce/relayer/internal/pipeline"
	"github.com/mattjoyce/relayer/internal/share"
	"github.com/mattjoyce/relayer/internal/storage"
	"github.com/mattjoyce/relayer/internal/upload"
	"github.com/mattjoyce/relayer/internal/workspace"
)

const testOwner = "alice@example.org"

var encOwner = manifest.EncodeOwner(testOwner)

type testEnv struct {
	server  *Server
	handler http.Handler
	hub     *events.Hub
	uploads *upload.Assembler
}

func writeTool(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell tools are not available on windows")
	}
	path := filepath.Join(t.TempDir(), "tool.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func newTestEnv(t *testing.T, toolBin string) *testEnv {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()

	ws, err := workspace.NewManager(filepath.Join(root, "users"), log.Discard())
	require.NoError(t, err)
	uploads := upload.NewAssembler(afero.NewOsFs(), filepath.Join(root, "tmp"), log.Discard())

	db, err := storage.OpenSQLite(ctx, filepath.Join(root, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	l := ledger.New(db)

	hub := events.NewHub(64)
	arch := archive.New(archive.Options{Workers: 1, QueueSize: 4, Recorder: l, Events: hub, Logger: log.Discard()})
	arch.Start(ctx)
	t.Cleanup(func() { arch.Close() })

	shares := share.New(ws, filepath.Join(root, "public", "share"), hub, log.Discard())

	table, err := colorscale.ParseTable(strings.NewReader(`["0,0,0","1,1,1","2,2,2","3,3,3","4,4,4"]`))
	require.NoError(t, err)

	svc, err := pipeline.New(pipeline.Deps{
		Staging:    uploads,
		Workspace:  ws,
		Runner:     dispatch.New(config.ToolConfig{Bin: toolBin, Args: []string{"{outputs_dir}"}, OutputGrid: "thickness.json"}, log.Discard()),
		Table:      table,
		Ledger:     l,
		Archiver:   arch,
		Shares:     shares,
		Events:     hub,
		Links:      manifest.NewLinks("https://relayer.example.org"),
		OutputGrid: "thickness.json",
		Logger:     log.Discard(),
	})
	require.NoError(t, err)

	server := New(Config{Listen: "localhost:0", MaxBodyBytes: 1 << 20}, Deps{
		Uploads:  uploads,
		Pipeline: svc,
		History:  history.New(ws, log.Discard()),
		Shares:   shares,
		Runs:     ws,
		Archives: arch,
		Events:   hub,
	}, log.Discard())

	return &testEnv{server: server, handler: server.Handler(), hub: hub, uploads: uploads}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, httptest.NewRequest(http.MethodGet, path, nil))
}

func (e *testEnv) postForm(t *testing.T, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return e.do(t, req)
}

func (e *testEnv) postChunk(t *testing.T, fields map[string]string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("qqfile", "blob")
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return e.do(t, req)
}

// uploadChunked sends content as three out-of-order chunks and finalizes.
func (e *testEnv) uploadChunked(t *testing.T, uploadID, name string, content []byte) {
	t.Helper()
	size := (len(content) + 2) / 3
	for _, idx := range []int{2, 0, 1} {
		start := idx * size
		end := min(start+size, len(content))
		rr := e.postChunk(t, map[string]string{
			"qquuid":       uploadID,
			"qqfilename":   name,
			"qqpartindex":  strconv.Itoa(idx),
			"qqtotalparts": "3",
		}, content[start:end])
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}
	rr := e.postForm(t, "/upload_done", url.Values{"qquuid": {uploadID}, "qqfilename": {name}, "qqtotalparts": {"3"}})
	require.Equal(t, http.StatusOK, rr.Code)
	assertSuccess(t, rr, true)
}

func assertSuccess(t *testing.T, rr *httptest.ResponseRecorder, want bool) {
	t.Helper()
	var resp SuccessResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, want, resp.Success, "response %+v", resp)
}

func filesField(uploadID, name string) string {
	b, _ := json.Marshal([]dispatch.FileDescriptor{{UUID: uploadID, OriginalName: name, Status: dispatch.StatusUploaded}})
	return string(b)
}

const gridTool = `printf '[[0,2],[4]]' > "$1/thickness.json"
printf 'jpeg' > "$1/001.jpg"
`

func TestHandleHealthz(t *testing.T) {
	env := newTestEnv(t, "/bin/true")
	rr := env.get(t, "/healthz")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp HealthzResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.GreaterOrEqual(t, resp.UptimeSeconds, int64(0))
}

func TestUploadChunksAndFinalize(t *testing.T) {
	env := newTestEnv(t, "/bin/true")
	content := []byte("0123456789abcdefghijABCDEFGHIJ")
	env.uploadChunked(t, "u-1", "scan.vol", content)

	p, err := env.uploads.Path("u-1", "scan.vol")
	require.NoError(t, err)
	got, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestUploadSingleShot(t *testing.T) {
	env := newTestEnv(t, "/bin/true")
	rr := env.postChunk(t, map[string]string{"qquuid": "u-1", "qqfilename": "scan.vol"}, []byte("whole"))
	require.Equal(t, http.StatusOK, rr.Code)
	assertSuccess(t, rr, true)

	ok, err := env.uploads.Exists("u-1", "scan.vol")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUploadDoneMissingPartIsUnsuccessful(t *testing.T) {
	env := newTestEnv(t, "/bin/true")
	rr := env.postChunk(t, map[string]string{
		"qquuid": "u-1", "qqfilename": "scan.vol", "qqpartindex": "0", "qqtotalparts": "2",
	}, []byte("half"))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.postForm(t, "/upload_done", url.Values{"qquuid": {"u-1"}, "qqfilename": {"scan.vol"}, "qqtotalparts": {"2"}})
	assert.Equal(t, http.StatusOK, rr.Code)
	assertSuccess(t, rr, false)
}

func TestUploadRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, "/bin/true")

	rr := env.postChunk(t, map[string]string{"qquuid": "u-1", "qqfilename": "scan.vol", "qqpartindex": "x", "qqtotalparts": "2"}, []byte("a"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assertSuccess(t, rr, false)

	rr = env.postChunk(t, map[string]string{"qquuid": "../escape", "qqfilename": "scan.vol"}, []byte("a"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.postChunk(t, map[string]string{"qquuid": "u-1", "qqfilename": "scan.vol"}, bytes.Repeat([]byte("x"), 2<<20))
	assert.Equal(t, http.StatusBadRequest, rr.Code, "body over max_body_bytes")
}

func TestAnalyseLifecycle(t *testing.T) {
	env := newTestEnv(t, writeTool(t, gridTool))
	env.uploadChunked(t, "u-1", "scan.vol", []byte("volume-bytes"))

	rr := env.postForm(t, "/analyse", url.Values{
		"user":  {encOwner},
		"files": {filesField("u-1", "scan.vol")},
		"eye":   {"left"},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var res pipeline.Result
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	assert.Equal(t, 0, res.ExitCode)
	require.Len(t, res.Scale, 5)
	assert.Equal(t, colorscale.Stop{Fraction: "0.5", Color: "rgb(2,2,2)"}, res.Scale[2])
	runPath := "/" + encOwner + "/" + res.UUID

	// Private result page.
	rr = env.get(t, "/result"+runPath)
	require.Equal(t, http.StatusOK, rr.Code)
	var m manifest.Manifest
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&m))
	assert.Equal(t, "left", m.Params["eye"])
	assert.Equal(t, res.UUID, m.UniqResultID)

	// History.
	rr = env.get(t, "/my_results?user="+url.QueryEscape(encOwner))
	require.Equal(t, http.StatusOK, rr.Code)
	var entries []history.Entry
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, res.UUID, entries[0].JobID)
	assert.False(t, entries[0].Share)

	// Archive download waits for the background task.
	rr = env.get(t, "/archive"+runPath)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Header().Get("Content-Disposition"), res.UUID+".zip")
	zr, err := zip.NewReader(bytes.NewReader(rr.Body.Bytes()), int64(rr.Body.Len()))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "out/thickness.json")

	// Assets.
	rr = env.get(t, "/assets"+runPath+"/out/001.jpg")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "jpeg", rr.Body.String())
	assert.Equal(t, http.StatusOK, env.get(t, "/assets"+runPath+"/relayer_results.zip").Code)
	assert.Equal(t, http.StatusNotFound, env.get(t, "/assets"+runPath+"/in/scan.vol").Code)
	assert.Equal(t, http.StatusNotFound, env.get(t, "/assets"+runPath+"/params.json").Code)
	assert.Equal(t, http.StatusNotFound, env.get(t, "/assets"+runPath+"/out/../in/scan.vol").Code)

	// Share, view publicly, unshare.
	assert.Equal(t, http.StatusNotFound, env.get(t, "/sh"+runPath).Code)
	rr = env.postForm(t, "/sh"+runPath, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, http.StatusOK, env.get(t, "/sh"+runPath).Code)

	rr = env.get(t, "/my_results?user="+url.QueryEscape(encOwner))
	entries = nil
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Share)

	require.Equal(t, http.StatusOK, env.postForm(t, "/rm"+runPath, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.get(t, "/sh"+runPath).Code)
	require.Equal(t, http.StatusOK, env.postForm(t, "/rm"+runPath, nil).Code, "unshare is idempotent")

	// Retire.
	rr = env.postForm(t, "/delete_result", url.Values{"user": {encOwner}, "uuid": {res.UUID}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, http.StatusNotFound, env.get(t, "/result"+runPath).Code)
	rr = env.postForm(t, "/delete_result", url.Values{"user": {encOwner}, "uuid": {res.UUID}})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAnalyseValidationIs400(t *testing.T) {
	env := newTestEnv(t, "/bin/true")

	tests := []struct {
		name string
		form url.Values
	}{
		{"missing user", url.Values{"files": {filesField("u-1", "scan.vol")}}},
		{"undecodable user", url.Values{"user": {"***"}, "files": {filesField("u-1", "scan.vol")}}},
		{"files not json", url.Values{"user": {encOwner}, "files": {"nope"}}},
		{"no files", url.Values{"user": {encOwner}}},
		{"not staged", url.Values{"user": {encOwner}, "files": {filesField("u-1", "scan.vol")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.postForm(t, "/analyse", tt.form)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestAnalyseInfrastructureFailureIsGeneric500(t *testing.T) {
	env := newTestEnv(t, filepath.Join(t.TempDir(), "missing-tool"))
	env.uploadChunked(t, "u-1", "scan.vol", []byte("volume"))

	rr := env.postForm(t, "/analyse", url.Values{"user": {encOwner}, "files": {filesField("u-1", "scan.vol")}})
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "internal error", resp.Error)
	assert.NotContains(t, rr.Body.String(), "missing-tool")
}

func TestUnknownRunIs404(t *testing.T) {
	env := newTestEnv(t, "/bin/true")
	const job = "/2018-01-19_01-14-17_700-700588804"
	for _, p := range []string{"/result/", "/sh/", "/archive/"} {
		assert.Equal(t, http.StatusNotFound, env.get(t, p+encOwner+job).Code, p)
	}
	assert.Equal(t, http.StatusNotFound, env.postForm(t, "/sh/"+encOwner+job, nil).Code)
}

type streamWriter struct {
	mu     sync.Mutex
	header http.Header
	status int
	buf    bytes.Buffer
}

func newStreamWriter() *streamWriter {
	return &streamWriter{header: make(http.Header)}
}

func (w *streamWriter) Header() http.Header { return w.header }

func (w *streamWriter) WriteHeader(statusCode int) {
	w.mu.Lock()
	w.status = statusCode
	w.mu.Unlock()
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *streamWriter) Flush() {}

func (w *streamWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestHandleEvents_ReplaysAndFiltersByOwner(t *testing.T) {
	env := newTestEnv(t, "/bin/true")
	env.hub.Publish(events.JobSubmitted, "bob@example.org", map[string]any{"job_id": "bob-job"})
	env.hub.Publish(events.JobSubmitted, testOwner, map[string]any{"job_id": "alice-job"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events?user="+url.QueryEscape(encOwner), nil).WithContext(ctx)

	w := newStreamWriter()
	done := make(chan struct{})
	go func() {
		env.handler.ServeHTTP(w, req)
		close(done)
	}()

	waitFor := func(substr string) {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if strings.Contains(w.String(), substr) {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatalf("expected %q in stream, got: %q", substr, w.String())
	}

	waitFor("alice-job")
	env.hub.Publish(events.JobCompleted, testOwner, map[string]any{"job_id": "alice-live"})
	waitFor("event: job.completed\n")
	assert.NotContains(t, w.String(), "bob-job")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("stream did not exit after context cancel")
	}
}
