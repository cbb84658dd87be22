package api

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/relayer/internal/dispatch"
	"github.com/mattjoyce/relayer/internal/errs"
	"github.com/mattjoyce/relayer/internal/manifest"
	"github.com/mattjoyce/relayer/internal/pipeline"
)

// multipartMemory is how much of a multipart body is kept in memory before
// spilling to temp files.
const multipartMemory = 8 << 20

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleUpload handles POST /upload, one chunk (or a whole file) from the
// upload widget.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.writeUploadFailure(w, r, errs.Validation("invalid multipart body: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	uploadID := r.FormValue("qquuid")
	filename := r.FormValue("qqfilename")

	partIndex, err := optionalInt(r.FormValue("qqpartindex"))
	if err != nil {
		s.writeUploadFailure(w, r, errs.Validation("qqpartindex: %v", err))
		return
	}
	totalParts, err := optionalInt(r.FormValue("qqtotalparts"))
	if err != nil {
		s.writeUploadFailure(w, r, errs.Validation("qqtotalparts: %v", err))
		return
	}

	file, header, err := r.FormFile("qqfile")
	if err != nil {
		s.writeUploadFailure(w, r, errs.Validation("qqfile is required"))
		return
	}
	defer file.Close()
	if filename == "" {
		filename = header.Filename
	}

	if err := s.deps.Uploads.StoreChunk(r.Context(), uploadID, partIndex, totalParts, filename, file); err != nil {
		s.writeUploadFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// handleUploadDone handles POST /upload_done, sent once every chunk is in.
func (s *Server) handleUploadDone(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		s.writeUploadFailure(w, r, err)
		return
	}
	totalParts, err := strconv.Atoi(r.FormValue("qqtotalparts"))
	if err != nil {
		s.writeUploadFailure(w, r, errs.Validation("qqtotalparts must be an integer"))
		return
	}

	_, err = s.deps.Uploads.FinalizeUpload(r.Context(), r.FormValue("qquuid"), r.FormValue("qqfilename"), totalParts)
	if err != nil {
		s.writeUploadFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// handleAnalyse handles POST /analyse. user is the encoded owner, files the
// JSON list of upload descriptors; every other field is passed to the tool
// as a parameter.
func (s *Server) handleAnalyse(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	owner, err := manifest.DecodeOwner(r.FormValue("user"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	var files []dispatch.FileDescriptor
	if raw := r.FormValue("files"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &files); err != nil {
			s.writeFailure(w, r, errs.Validation("files must be a JSON array of upload descriptors"))
			return
		}
	}

	params := make(map[string]string)
	for key, values := range r.Form {
		if key == "user" || key == "files" || len(values) == 0 {
			continue
		}
		params[key] = values[0]
	}

	res, err := s.deps.Pipeline.Submit(r.Context(), pipeline.Submission{
		Owner:  owner,
		Files:  files,
		Params: params,
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handleMyResults handles GET /my_results?user=<encoded owner>.
func (s *Server) handleMyResults(w http.ResponseWriter, r *http.Request) {
	owner, err := manifest.DecodeOwner(r.URL.Query().Get("user"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	entries, err := s.deps.History.Enumerate(r.Context(), owner)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

// handleDeleteResult handles POST /delete_result with fields user and uuid.
func (s *Server) handleDeleteResult(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	owner, err := manifest.DecodeOwner(r.FormValue("user"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if err := s.deps.Pipeline.Retire(r.Context(), owner, r.FormValue("uuid")); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// runParams decodes the {owner} and {jobID} URL parameters.
func runParams(r *http.Request) (owner, jobID string, err error) {
	owner, err = manifest.DecodeOwner(chi.URLParam(r, "owner"))
	if err != nil {
		return "", "", err
	}
	return owner, chi.URLParam(r, "jobID"), nil
}

func parseForm(r *http.Request) error {
	ct := r.Header.Get("Content-Type")
	var err error
	if strings.HasPrefix(ct, "multipart/form-data") {
		err = r.ParseMultipartForm(multipartMemory)
	} else {
		err = r.ParseForm()
	}
	if err != nil {
		return errs.Validation("invalid form body: %v", err)
	}
	return nil
}

func optionalInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

// respondJSON is a helper to write JSON responses.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

// writeFailure maps an error onto a response. Client mistakes are logged at
// info; anything else is logged in full and answered with a generic 500.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	reqID := requestID(r)
	switch {
	case errs.IsValidation(err):
		s.logger.Info("request rejected", "path", r.URL.Path, "error", err, "request_id", reqID)
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, fs.ErrNotExist):
		s.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, context.Canceled):
		s.logger.Info("request cancelled", "path", r.URL.Path, "request_id", reqID)
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err, "request_id", reqID)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeUploadFailure answers upload endpoints, which always reply with the
// {success} envelope. A failed reassembly is a normal {success:false}.
func (s *Server) writeUploadFailure(w http.ResponseWriter, r *http.Request, err error) {
	reqID := requestID(r)
	switch {
	case errs.IsAssembly(err):
		s.logger.Warn("upload reassembly failed", "error", err, "request_id", reqID)
		respondJSON(w, http.StatusOK, SuccessResponse{Success: false, Error: "upload could not be reassembled"})
	case errs.IsValidation(err):
		s.logger.Info("upload rejected", "error", err, "request_id", reqID)
		respondJSON(w, http.StatusBadRequest, SuccessResponse{Success: false, Error: err.Error()})
	default:
		s.logger.Error("upload failed", "error", err, "request_id", reqID)
		respondJSON(w, http.StatusInternalServerError, SuccessResponse{Success: false, Error: "internal error"})
	}
}
