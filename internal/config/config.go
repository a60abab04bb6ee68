// Package config loads scorecore configuration.
//
// Configuration comes from a single YAML file named by the --config flag
// or the SCORECORE_CONFIG environment variable. Missing fields take the
// defaults from Default; a handful of SCORECORE_* environment variables
// override the file for container deployments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Paths      PathsConfig      `yaml:"paths"`
	Storage    StorageConfig    `yaml:"storage"`
	Engine     EngineConfig     `yaml:"engine"`
	Converters ConvertersConfig `yaml:"converters"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Upload     UploadConfig     `yaml:"upload"`
	Diff       DiffConfig       `yaml:"diff"`
	Thumbnail  ThumbnailConfig  `yaml:"thumbnail"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AllowedOrigins restricts WebSocket upgrades; empty allows same host only.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type PathsConfig struct {
	// DataDir holds the SQLite database.
	DataDir string `yaml:"data_dir"`
}

// StorageConfig selects the blob backend behind the Storage Gateway.
type StorageConfig struct {
	Backend string   `yaml:"backend"` // fs, s3, memory
	Bucket  string   `yaml:"bucket"`
	Root    string   `yaml:"root"` // fs backend base directory
	S3      S3Config `yaml:"s3"`
}

type S3Config struct {
	Endpoint       string `yaml:"endpoint"`
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// EngineConfig selects the version-control engine.
type EngineConfig struct {
	Backend string `yaml:"backend"` // git, memory
	Root    string `yaml:"root"`    // directory holding one bare repository per source
	GitPath string `yaml:"git_path"`
}

// ConvertersConfig names the external tools invoked by the pipeline.
// Each command is an argv template; {in} and {out} are substituted.
// An empty command disables the stage.
type ConvertersConfig struct {
	Importer   []string      `yaml:"importer"`   // .mscz/.mscx -> MusicXML
	Renderer   []string      `yaml:"renderer"`   // MusicXML -> PDF
	Rasterizer []string      `yaml:"rasterizer"` // PDF -> PNG (first page)
	VisualDiff []string      `yaml:"visual_diff"`
	Timeout    time.Duration `yaml:"timeout"`
}

type PipelineConfig struct {
	Workers      int           `yaml:"workers"`
	Lease        time.Duration `yaml:"lease"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

type UploadConfig struct {
	MaxBytes int64 `yaml:"max_bytes"`
}

type DiffConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxDistance int           `yaml:"max_distance"`
}

type ThumbnailConfig struct {
	MaxDimension int `yaml:"max_dimension"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Paths: PathsConfig{DataDir: "./data"},
		Storage: StorageConfig{
			Backend: "fs",
			Bucket:  "scores",
			Root:    "./data/blobs",
			S3:      S3Config{Region: "us-east-1"},
		},
		Engine: EngineConfig{
			Backend: "git",
			Root:    "./data/repos",
			GitPath: "git",
		},
		Converters: ConvertersConfig{
			Importer:   []string{"mscore", "-o", "{out}", "{in}"},
			Renderer:   []string{"mscore", "-o", "{out}", "{in}"},
			Rasterizer: []string{"pdftoppm", "-png", "-singlefile", "-f", "1", "-l", "1", "-r", "72", "{in}", "{out_base}"},
			VisualDiff: []string{"python3", "musicdiff_pdf.py", "{in_a}", "{in_b}", "{out}"},
			Timeout:    2 * time.Minute,
		},
		Pipeline: PipelineConfig{
			Workers:      2,
			Lease:        5 * time.Minute,
			PollInterval: 2 * time.Second,
			MaxAttempts:  3,
		},
		Upload:    UploadConfig{MaxBytes: 50 << 20},
		Diff:      DiffConfig{Timeout: 30 * time.Second, MaxDistance: 50},
		Thumbnail: ThumbnailConfig{MaxDimension: 400},
		Log:       LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("SCORECORE_ADDR"); ok && v != "" {
		c.Server.Addr = v
	}
	if v, ok := lookup("SCORECORE_DATA_DIR"); ok && v != "" {
		c.Paths.DataDir = v
	}
	if v, ok := lookup("SCORECORE_STORAGE_BACKEND"); ok && v != "" {
		c.Storage.Backend = v
	}
	if v, ok := lookup("SCORECORE_STORAGE_ROOT"); ok && v != "" {
		c.Storage.Root = v
	}
	if v, ok := lookup("SCORECORE_ENGINE_ROOT"); ok && v != "" {
		c.Engine.Root = v
	}
	if v, ok := lookup("SCORECORE_S3_ACCESS_KEY"); ok {
		c.Storage.S3.AccessKey = v
	}
	if v, ok := lookup("SCORECORE_S3_SECRET_KEY"); ok {
		c.Storage.S3.SecretKey = v
	}
	if v, ok := lookup("SCORECORE_LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup("SCORECORE_PIPELINE_WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SCORECORE_PIPELINE_WORKERS: %w", err)
		}
		c.Pipeline.Workers = n
	}
	return nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "fs":
		if c.Storage.Root == "" {
			return fmt.Errorf("storage.root is required for the fs backend")
		}
	case "s3":
		if c.Storage.S3.Endpoint == "" {
			return fmt.Errorf("storage.s3.endpoint is required for the s3 backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required")
	}
	switch c.Engine.Backend {
	case "git":
		if c.Engine.Root == "" {
			return fmt.Errorf("engine.root is required for the git backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown engine.backend %q", c.Engine.Backend)
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be at least 1")
	}
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.max_attempts must be at least 1")
	}
	if c.Converters.Timeout <= 0 {
		return fmt.Errorf("converters.timeout must be positive")
	}
	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("upload.max_bytes must be positive")
	}
	if c.Diff.MaxDistance < 1 {
		return fmt.Errorf("diff.max_distance must be at least 1")
	}
	if c.Thumbnail.MaxDimension < 16 {
		return fmt.Errorf("thumbnail.max_dimension must be at least 16")
	}
	return nil
}
