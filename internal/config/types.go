package config

import (
	"path/filepath"
	"time"
)

// Config represents the complete relayer configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Paths   PathsConfig   `yaml:"paths"`
	Tool    ToolConfig    `yaml:"tool"`
	Archive ArchiveConfig `yaml:"archive"`
	State   StateConfig   `yaml:"state"`
	API     APIConfig     `yaml:"api,omitempty"`
	Uploads UploadsConfig `yaml:"uploads"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	// PublicURL is the externally visible base URL used to build result,
	// share and asset links, e.g. https://relayer.example.org.
	PublicURL string `yaml:"public_url"`
}

// PathsConfig locates every on-disk namespace. Relative entries resolve
// against Root.
type PathsConfig struct {
	Root       string `yaml:"root"`
	StagingDir string `yaml:"staging_dir"`
	UsersDir   string `yaml:"users_dir"`
	PublicDir  string `yaml:"public_dir"`
	ColourMap  string `yaml:"colour_map"`
	// ColourMapChecksum is an optional BLAKE3 hex digest of ColourMap.
	ColourMapChecksum string `yaml:"colour_map_checksum,omitempty"`
}

// ToolConfig describes how to invoke the external analysis tool.
type ToolConfig struct {
	Bin string `yaml:"bin"`
	// Args are expanded element by element; see dispatch.ExpandArgs for the
	// supported placeholders. No shell is involved.
	Args        []string      `yaml:"args"`
	LibraryPath string        `yaml:"library_path,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"` // 0 = wait forever
	OutputGrid  string        `yaml:"output_grid"`
}

// ArchiveConfig controls the background result archiver.
type ArchiveConfig struct {
	Workers   int      `yaml:"workers"`
	QueueSize int      `yaml:"queue_size"`
	FileName  string   `yaml:"file_name"`
	S3        S3Config `yaml:"s3,omitempty"`
}

// S3Config enables mirroring finished archives to an S3 bucket. Empty Bucket
// disables the mirror.
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Prefix   string `yaml:"prefix"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// StateConfig defines the job ledger location.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Listen       string `yaml:"listen"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// UploadsConfig controls chunk staging housekeeping.
type UploadsConfig struct {
	AbandonAfter time.Duration `yaml:"abandon_after"`
	// SweepInterval is how often abandoned uploads and run staging are
	// removed while serving. SweepJitter is added to each wait.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepJitter   time.Duration `yaml:"sweep_jitter,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "relayer",
			LogLevel:  "info",
			PublicURL: "http://localhost:9292",
		},
		Paths: PathsConfig{
			Root:       "./data",
			StagingDir: "tmp",
			UsersDir:   "users",
			PublicDir:  "public",
			ColourMap:  "colourMap.json",
		},
		Tool: ToolConfig{
			Bin:        "matlab",
			Args:       []string{"-batch", "relayer_run('{request}')"},
			OutputGrid: "thickness.json",
		},
		Archive: ArchiveConfig{
			Workers:   2,
			QueueSize: 64,
			FileName:  "relayer_results.zip",
		},
		State: StateConfig{
			Path: "state.db",
		},
		API: APIConfig{
			Enabled:      true,
			Listen:       "127.0.0.1:9292",
			MaxBodyBytes: 80 << 20,
		},
		Uploads: UploadsConfig{
			AbandonAfter:  24 * time.Hour,
			SweepInterval: time.Hour,
			SweepJitter:   5 * time.Minute,
		},
	}
}

// Resolve returns p unchanged when absolute, otherwise joined onto Paths.Root.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Paths.Root, p)
}

func (c *Config) StagingDir() string { return c.Resolve(c.Paths.StagingDir) }
func (c *Config) UsersDir() string   { return c.Resolve(c.Paths.UsersDir) }
func (c *Config) PublicDir() string  { return c.Resolve(c.Paths.PublicDir) }
func (c *Config) ColourMap() string  { return c.Resolve(c.Paths.ColourMap) }
func (c *Config) StatePath() string  { return c.Resolve(c.State.Path) }

// ShareDir is the public namespace that receives shared result copies.
func (c *Config) ShareDir() string { return filepath.Join(c.PublicDir(), "share") }
