// Package doctor validates a relayer configuration against the machine it
// will run on.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mattjoyce/relayer/internal/colorscale"
	"github.com/mattjoyce/relayer/internal/config"
	"github.com/mattjoyce/relayer/internal/dispatch"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

// New creates a Doctor for cfg.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateService(r)
	d.validateTool(r)
	d.validateColourMap(r)
	d.validatePaths(r)
	d.validateAPI(r)
	d.validateArchive(r)
	d.warnUploadHousekeeping(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateService(r *Result) {
	u, err := url.Parse(d.cfg.Service.PublicURL)
	if err != nil || u.Host == "" {
		d.addError(r, "service", "service.public_url", "public_url must be an absolute URL")
		return
	}
	if u.Scheme == "http" && !isLoopback(u.Hostname()) {
		d.addWarning(r, "service", "service.public_url",
			"public_url uses plain http; result and share links will not be encrypted")
	}
}

// validateTool checks that the analysis tool can be started.
func (d *Doctor) validateTool(r *Result) {
	tool := d.cfg.Tool
	if _, err := d.lookPath(tool.Bin); err != nil {
		d.addError(r, "tool", "tool.bin", fmt.Sprintf("tool %q not found or not executable: %v", tool.Bin, err))
	}
	if tool.LibraryPath != "" {
		if info, err := os.Stat(tool.LibraryPath); err != nil || !info.IsDir() {
			d.addError(r, "tool", "tool.library_path",
				fmt.Sprintf("library path %q is not a directory", tool.LibraryPath))
		}
	}
	if tool.Timeout == 0 {
		d.addWarning(r, "tool", "tool.timeout",
			"no timeout set; a hung tool holds its analyse request open forever")
	}
	if tool.OutputGrid == "" {
		d.addWarning(r, "tool", "tool.output_grid",
			"no output grid configured; every result will have an empty colour scale")
	}
	if params := dispatch.RequiredParams(tool.Args); len(params) > 0 {
		d.addWarning(r, "tool", "tool.args",
			fmt.Sprintf("every analyse request must supply: %s", strings.Join(params, ", ")))
	}
}

func (d *Doctor) validateColourMap(r *Result) {
	path := d.cfg.ColourMap()
	t, err := colorscale.LoadTable(path)
	if err != nil {
		d.addError(r, "colour_map", "paths.colour_map", err.Error())
		return
	}
	if err := d.cfg.VerifyColourMap(); err != nil {
		d.addError(r, "colour_map", "paths.colour_map_checksum", err.Error())
	}
	if t.Len() < 256 {
		d.addWarning(r, "colour_map", "paths.colour_map",
			fmt.Sprintf("colour table has only %d entries; larger grid values are clamped", t.Len()))
	}
}

// validatePaths checks each namespace directory. Missing ones are created at
// startup and only warned about.
func (d *Doctor) validatePaths(r *Result) {
	dirs := []struct {
		field string
		path  string
	}{
		{"paths.staging_dir", d.cfg.StagingDir()},
		{"paths.users_dir", d.cfg.UsersDir()},
		{"paths.public_dir", d.cfg.PublicDir()},
	}
	for _, dir := range dirs {
		info, err := os.Stat(dir.path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			d.addWarning(r, "paths", dir.field, fmt.Sprintf("%s does not exist and will be created", dir.path))
		case err != nil:
			d.addError(r, "paths", dir.field, err.Error())
		case !info.IsDir():
			d.addError(r, "paths", dir.field, fmt.Sprintf("%s is not a directory", dir.path))
		}
	}

	if sameDevice(d.cfg.StagingDir(), d.cfg.UsersDir()) == deviceDiffers {
		d.addWarning(r, "paths", "paths.staging_dir",
			"staging and users directories are on different filesystems; inputs are copied instead of renamed")
	}
}

func (d *Doctor) validateAPI(r *Result) {
	if !d.cfg.API.Enabled {
		d.addWarning(r, "api", "api.enabled", "API disabled; serve will only run housekeeping")
		return
	}
	if _, _, err := net.SplitHostPort(d.cfg.API.Listen); err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
	}
	if d.cfg.API.MaxBodyBytes < 1<<20 {
		d.addWarning(r, "api", "api.max_body_bytes", "request body limit is under 1MiB; upload chunks may be rejected")
	}
}

func (d *Doctor) validateArchive(r *Result) {
	s3 := d.cfg.Archive.S3
	if s3.Bucket == "" {
		return
	}
	if s3.Endpoint != "" {
		if u, err := url.Parse(s3.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			d.addError(r, "archive", "archive.s3.endpoint", fmt.Sprintf("invalid endpoint %q", s3.Endpoint))
		}
	}
	if os.Getenv("AWS_ACCESS_KEY_ID") == "" && os.Getenv("AWS_PROFILE") == "" {
		d.addWarning(r, "archive", "archive.s3",
			"no AWS_ACCESS_KEY_ID or AWS_PROFILE in the environment; relying on the default credential chain")
	}
}

func (d *Doctor) warnUploadHousekeeping(r *Result) {
	if d.cfg.Uploads.AbandonAfter < time.Hour {
		d.addWarning(r, "uploads", "uploads.abandon_after",
			"uploads abandoned after less than 1h may be swept while a client is still sending chunks")
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}

	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
