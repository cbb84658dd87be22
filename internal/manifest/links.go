package manifest

import (
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/mattjoyce/relayer/internal/errs"
)

// EncodeOwner renders an owner for URLs and the manifest user field.
func EncodeOwner(owner string) string {
	return base64.URLEncoding.EncodeToString([]byte(owner))
}

// DecodeOwner accepts URL-safe and standard base64, padded or not. Browser
// clients encode with btoa, which produces the standard alphabet.
func DecodeOwner(encoded string) (string, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return "", errs.Validation("owner is empty")
	}
	for _, enc := range []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	} {
		if b, err := enc.DecodeString(encoded); err == nil && len(b) > 0 {
			return string(b), nil
		}
	}
	return "", errs.Validation("owner %q is not valid base64", encoded)
}

// Links builds the public URLs for a run.
type Links struct {
	base string
}

// NewLinks returns Links rooted at publicURL.
func NewLinks(publicURL string) Links {
	return Links{base: strings.TrimRight(publicURL, "/")}
}

func (l Links) join(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return l.base + "/" + strings.Join(escaped, "/")
}

// ResultsURL is the private result page.
func (l Links) ResultsURL(owner, jobID string) string {
	return l.join("result", EncodeOwner(owner), jobID)
}

// ShareURL is the public share page.
func (l Links) ShareURL(owner, jobID string) string {
	return l.join("sh", EncodeOwner(owner), jobID)
}

// AssetsPath is the base the client appends out/<file> and the archive name
// to.
func (l Links) AssetsPath(owner, jobID string) string {
	return l.join("assets", EncodeOwner(owner), jobID)
}

// ArchiveURL is the archive download that waits for a pending archive.
func (l Links) ArchiveURL(owner, jobID string) string {
	return l.join("archive", EncodeOwner(owner), jobID)
}
