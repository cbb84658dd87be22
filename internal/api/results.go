package api

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/relayer/internal/archive"
	"github.com/mattjoyce/relayer/internal/manifest"
	"github.com/mattjoyce/relayer/internal/workspace"
)

// handleResult handles GET /result/{owner}/{jobID}, the private manifest.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	owner, jobID, err := runParams(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	rd, err := s.deps.Runs.Open(r.Context(), owner, jobID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.serveManifest(w, r, rd.ManifestPath())
}

// handleSharedResult handles GET /sh/{owner}/{jobID}, the public copy of the
// manifest. It exists only while the run is shared.
func (s *Server) handleSharedResult(w http.ResponseWriter, r *http.Request) {
	owner, jobID, err := runParams(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	p, err := s.deps.Shares.ManifestPath(owner, jobID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.serveManifest(w, r, p)
}

func (s *Server) serveManifest(w http.ResponseWriter, r *http.Request, p string) {
	m, err := manifest.Read(p)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

// handleShare handles POST /sh/{owner}/{jobID}.
func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	owner, jobID, err := runParams(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if err := s.deps.Shares.Publish(r.Context(), owner, jobID); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// handleUnshare handles POST /rm/{owner}/{jobID}.
func (s *Server) handleUnshare(w http.ResponseWriter, r *http.Request) {
	owner, jobID, err := runParams(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if err := s.deps.Shares.Unpublish(r.Context(), owner, jobID); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// handleArchive handles GET /archive/{owner}/{jobID}. A pending archive is
// awaited for as long as the client keeps the request open.
func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	owner, jobID, err := runParams(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	rd, err := s.deps.Runs.Open(r.Context(), owner, jobID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	task, err := s.deps.Archives.Wait(r.Context(), owner, jobID)
	switch {
	case errors.Is(err, archive.ErrNoTask):
	case err != nil:
		s.writeFailure(w, r, err)
		return
	case task.Err() != nil:
		s.logger.Warn("archive unavailable", "owner", owner, "job_id", jobID, "error", task.Err(),
			"request_id", requestID(r))
		s.writeError(w, http.StatusNotFound, "archive not available")
		return
	}

	s.serveFile(w, r, s.deps.Archives.Path(rd), jobID+".zip")
}

// handleAsset handles GET /assets/{owner}/{jobID}/*. Only files under out/
// and the archive itself are reachable.
func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	owner, jobID, err := runParams(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	rd, err := s.deps.Runs.Open(r.Context(), owner, jobID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	rel := strings.TrimPrefix(path.Clean("/"+chi.URLParam(r, "*")), "/")
	archiveName := filepath.Base(s.deps.Archives.Path(rd))
	if rel != archiveName && !strings.HasPrefix(rel, workspace.OutputsDir+"/") {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.serveFile(w, r, filepath.Join(rd.Dir, filepath.FromSlash(rel)), "")
}

// serveFile serves the regular file at p. A non-empty downloadName makes it
// an attachment.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, p, downloadName string) {
	f, err := os.Open(p)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if info.IsDir() {
		s.writeFailure(w, r, fs.ErrNotExist)
		return
	}
	if downloadName != "" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+downloadName+`"`)
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}
