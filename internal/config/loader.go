package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file, applies defaults, and
// validates the result.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	cfg = applyConfigDefaults(cfg)

	// A relative root is anchored at the config file, not the process cwd.
	if !filepath.IsAbs(cfg.Paths.Root) {
		cfg.Paths.Root = filepath.Join(filepath.Dir(absPath), cfg.Paths.Root)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadConfigFile loads and parses a single config file.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.PublicURL == "" {
		cfg.Service.PublicURL = defaults.Service.PublicURL
	}
	cfg.Service.PublicURL = strings.TrimRight(cfg.Service.PublicURL, "/")

	if cfg.Paths.Root == "" {
		cfg.Paths.Root = defaults.Paths.Root
	}
	if cfg.Paths.StagingDir == "" {
		cfg.Paths.StagingDir = defaults.Paths.StagingDir
	}
	if cfg.Paths.UsersDir == "" {
		cfg.Paths.UsersDir = defaults.Paths.UsersDir
	}
	if cfg.Paths.PublicDir == "" {
		cfg.Paths.PublicDir = defaults.Paths.PublicDir
	}
	if cfg.Paths.ColourMap == "" {
		cfg.Paths.ColourMap = defaults.Paths.ColourMap
	}

	if cfg.Tool.Bin == "" {
		cfg.Tool.Bin = defaults.Tool.Bin
		if len(cfg.Tool.Args) == 0 {
			cfg.Tool.Args = defaults.Tool.Args
		}
	}
	if cfg.Tool.OutputGrid == "" {
		cfg.Tool.OutputGrid = defaults.Tool.OutputGrid
	}

	if cfg.Archive.Workers == 0 {
		cfg.Archive.Workers = defaults.Archive.Workers
	}
	if cfg.Archive.QueueSize == 0 {
		cfg.Archive.QueueSize = defaults.Archive.QueueSize
	}
	if cfg.Archive.FileName == "" {
		cfg.Archive.FileName = defaults.Archive.FileName
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}
	if cfg.API.MaxBodyBytes == 0 {
		cfg.API.MaxBodyBytes = defaults.API.MaxBodyBytes
	}

	if cfg.Uploads.AbandonAfter == 0 {
		cfg.Uploads.AbandonAfter = defaults.Uploads.AbandonAfter
	}
	if cfg.Uploads.SweepInterval == 0 {
		cfg.Uploads.SweepInterval = defaults.Uploads.SweepInterval
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	u, err := url.Parse(cfg.Service.PublicURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("service.public_url must be an absolute URL (got %q)", cfg.Service.PublicURL)
	}

	if strings.TrimSpace(cfg.Tool.Bin) == "" {
		return fmt.Errorf("tool.bin is required")
	}
	if envVarPattern.MatchString(cfg.Tool.Bin) {
		return fmt.Errorf("tool.bin: environment variable ${%s} is not set", envVarPattern.FindStringSubmatch(cfg.Tool.Bin)[1])
	}
	if cfg.Tool.Timeout < 0 {
		return fmt.Errorf("tool.timeout must not be negative")
	}
	if filepath.Base(cfg.Tool.OutputGrid) != cfg.Tool.OutputGrid {
		return fmt.Errorf("tool.output_grid must be a bare file name (got %q)", cfg.Tool.OutputGrid)
	}

	if cfg.Archive.Workers < 0 {
		return fmt.Errorf("archive.workers must not be negative")
	}
	if cfg.Archive.QueueSize < 0 {
		return fmt.Errorf("archive.queue_size must not be negative")
	}
	if filepath.Ext(cfg.Archive.FileName) != ".zip" || filepath.Base(cfg.Archive.FileName) != cfg.Archive.FileName {
		return fmt.Errorf("archive.file_name must be a bare .zip file name (got %q)", cfg.Archive.FileName)
	}
	if cfg.Archive.S3.Bucket != "" && cfg.Archive.S3.Region == "" {
		return fmt.Errorf("archive.s3.region is required when archive.s3.bucket is set")
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api is enabled")
	}
	if cfg.Uploads.AbandonAfter < 0 {
		return fmt.Errorf("uploads.abandon_after must not be negative")
	}
	if cfg.Uploads.SweepInterval < 0 || cfg.Uploads.SweepJitter < 0 {
		return fmt.Errorf("uploads.sweep_interval and uploads.sweep_jitter must not be negative")
	}

	return nil
}
