package manifest

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// Describe stats and hashes the file at path.
func Describe(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	h := blake3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return File{}, fmt.Errorf("hash input %s: %w", path, err)
	}
	return File{
		Name:   filepath.Base(path),
		Size:   n,
		Blake3: hex.EncodeToString(h.Sum(nil)),
	}, nil
}
