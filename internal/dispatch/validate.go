package dispatch

import (
	"github.com/mattjoyce/relayer/internal/errs"
)

// StatusUploaded is the only descriptor status accepted for analysis.
const StatusUploaded = "upload successful"

// FileDescriptor is the client's record of one uploaded file.
type FileDescriptor struct {
	UUID         string `json:"uuid"`
	OriginalName string `json:"originalName"`
	Status       string `json:"status"`
	Size         int64  `json:"size,omitempty"`
}

// StagedLookup reports whether an assembled upload is present.
// *upload.Assembler satisfies it.
type StagedLookup interface {
	Exists(uploadID, filename string) (bool, error)
}

// Validate checks that a submission can run: descriptors are present, each
// reports a finished upload, and each assembled file is in staging. Every
// failure is a ValidationError except a staging lookup that itself fails.
func Validate(files []FileDescriptor, staged StagedLookup) error {
	if len(files) == 0 {
		return errs.Validation("no files submitted")
	}
	for i, f := range files {
		if f.Status != StatusUploaded {
			return errs.Validation("file %d (%q) has upload status %q", i, f.OriginalName, f.Status)
		}
	}
	for i, f := range files {
		ok, err := staged.Exists(f.UUID, f.OriginalName)
		if err != nil {
			return err
		}
		if !ok {
			return errs.Validation("file %d (%q) was not found in staging", i, f.OriginalName)
		}
	}
	return nil
}
