package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// RequestFileName is the name of the request file inside a run directory.
const RequestFileName = "request.json"

// EncodeRequest serializes a Request to JSON and writes it to w.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if req.JobID == "" {
		return fmt.Errorf("request missing required field: job_id")
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// DecodeRequest reads a Request from r. Unknown fields are rejected.
func DecodeRequest(r io.Reader) (*Request, error) {
	var req Request

	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}

	if req.Protocol != Version {
		return nil, fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if req.JobID == "" {
		return nil, fmt.Errorf("request missing required field: job_id")
	}
	return &req, nil
}

// WriteRequestFile writes req into dir/request.json via a temp file and
// rename. It returns the final path.
func WriteRequestFile(dir string, req *Request) (string, error) {
	tmp, err := os.CreateTemp(dir, ".request-*.json")
	if err != nil {
		return "", fmt.Errorf("create request file: %w", err)
	}
	if err := EncodeRequest(tmp, req); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close request file: %w", err)
	}

	path := filepath.Join(dir, RequestFileName)
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("install request file: %w", err)
	}
	return path, nil
}
