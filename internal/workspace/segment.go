package workspace

import (
	"path/filepath"
	"strings"

	"github.com/mattjoyce/relayer/internal/errs"
)

// ValidateSegment checks that value can be used as a single path element.
// kind names the value in the error ("owner", "job id", "file name").
//
// Names starting with a dot are refused: the dot namespace holds staging and
// retired runs.
func ValidateSegment(kind, value string) error {
	if strings.TrimSpace(value) == "" {
		return errs.Validation("%s is empty", kind)
	}
	if value == "." || value == ".." || strings.HasPrefix(value, ".") {
		return errs.Validation("%s %q is invalid", kind, value)
	}
	if strings.ContainsAny(value, `/\`) {
		return errs.Validation("%s %q must not contain path separators", kind, value)
	}
	if strings.ContainsAny(value, "\x00\"'`") {
		return errs.Validation("%s %q contains forbidden characters", kind, value)
	}
	if filepath.Clean(value) != value {
		return errs.Validation("%s %q is invalid", kind, value)
	}
	return nil
}
