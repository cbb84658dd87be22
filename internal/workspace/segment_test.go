package workspace

import (
	"testing"

	"github.com/mattjoyce/relayer/internal/errs"
)

func TestValidateSegment(t *testing.T) {
	tests := []struct {
		value string
		ok    bool
	}{
		{"alice@example.org", true},
		{"scan 01.vol", true},
		{testJob, true},
		{"", false},
		{"   ", false},
		{".", false},
		{"..", false},
		{".staging-x", false},
		{"a/b", false},
		{`a\b`, false},
		{"a\x00b", false},
		{`it's`, false},
	}
	for _, tt := range tests {
		err := ValidateSegment("name", tt.value)
		if tt.ok && err != nil {
			t.Errorf("ValidateSegment(%q) error = %v", tt.value, err)
		}
		if !tt.ok && !errs.IsValidation(err) {
			t.Errorf("ValidateSegment(%q) error = %v, want validation", tt.value, err)
		}
	}
}
