package protocol

import "time"

// Version is the request envelope version understood by this build.
const Version = 1

// Request is the envelope handed to the analysis tool. It is written to
// <run>/request.json and streamed on the tool's stdin, so a tool may read
// whichever is convenient.
type Request struct {
	Protocol   int               `json:"protocol"`
	JobID      string            `json:"job_id"`
	Owner      string            `json:"owner"`
	RunDir     string            `json:"run_dir"`
	InputsDir  string            `json:"inputs_dir"`
	OutputsDir string            `json:"outputs_dir"`
	OutputGrid string            `json:"output_grid"`
	Inputs     []Input           `json:"inputs"`
	Params     map[string]string `json:"params,omitempty"`
	IssuedAt   time.Time         `json:"issued_at"`
}

// Input describes one file under the run's in/ directory.
type Input struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}
