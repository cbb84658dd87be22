package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeAndVerifyBlake3(t *testing.T) {
	path := filepath.Join(t.TempDir(), "colourMap.json")
	require.NoError(t, os.WriteFile(path, []byte(`["0,0,0","1,1,1"]`), 0o644))

	hash, err := ComputeBlake3Hash(path)
	require.NoError(t, err)
	assert.Len(t, hash, 64)

	assert.NoError(t, VerifyFileHash(path, hash))
	assert.Error(t, VerifyFileHash(path, "00"+hash[2:]))
}

func TestVerifyColourMap(t *testing.T) {
	root := t.TempDir()
	cfg := Defaults()
	cfg.Paths.Root = root

	require.NoError(t, os.WriteFile(cfg.ColourMap(), []byte(`["10,20,30"]`), 0o644))

	// No checksum configured: nothing to verify.
	assert.NoError(t, cfg.VerifyColourMap())

	hash, err := ComputeBlake3Hash(cfg.ColourMap())
	require.NoError(t, err)
	cfg.Paths.ColourMapChecksum = hash
	assert.NoError(t, cfg.VerifyColourMap())

	require.NoError(t, os.WriteFile(cfg.ColourMap(), []byte(`["99,99,99"]`), 0o644))
	assert.Error(t, cfg.VerifyColourMap())
}
