package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "~/.config/vfxproc/config.json"
	envPrefix         = "VFXPROC"
)

// Config holds user-editable settings for the processing core and its hosts.
type Config struct {
	Processing Processing `json:"processing" mapstructure:"processing"`
	History    History    `json:"history" mapstructure:"history"`
	Engine     Engine     `json:"engine" mapstructure:"engine"`
	Logging    Logging    `json:"logging" mapstructure:"logging"`
	Paths      Paths      `json:"paths" mapstructure:"paths"`
	Server     Server     `json:"server" mapstructure:"server"`
	Export     Export     `json:"export" mapstructure:"export"`
}

// Processing captures scratch-space preferences.
type Processing struct {
	TempDir  string `json:"temp_dir" mapstructure:"temp_dir"`
	KeepTemp bool   `json:"keep_temp" mapstructure:"keep_temp"`
}

// History controls undo/redo behaviour.
type History struct {
	RedoAfterFailure string `json:"redo_after_failure" mapstructure:"redo_after_failure"` // retry, fail
}

// Engine selects the effect backend.
type Engine struct {
	Backend string `json:"backend" mapstructure:"backend"` // imaging, imagick
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" mapstructure:"level"`             // debug, info, warn, error
	Format     string `json:"format" mapstructure:"format"`           // text, json
	FileOutput bool   `json:"file_output" mapstructure:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" mapstructure:"log_dir"`
}

// Paths configures default output locations.
type Paths struct {
	DefaultOutput string `json:"default_output" mapstructure:"default_output"`
	DatabasePath  string `json:"database_path" mapstructure:"database_path"`
}

// Server configures the HTTP and gRPC listeners.
type Server struct {
	Addr          string  `json:"addr" mapstructure:"addr"`
	GRPCAddr      string  `json:"grpc_addr" mapstructure:"grpc_addr"`
	ProgressRate  float64 `json:"progress_rate" mapstructure:"progress_rate"` // progress events per second per client
	ProgressBurst int     `json:"progress_burst" mapstructure:"progress_burst"`
}

// Export configures remote destinations for saved images.
type Export struct {
	MinIO MinIO `json:"minio" mapstructure:"minio"`
}

type MinIO struct {
	Endpoint  string `json:"endpoint" mapstructure:"endpoint"`
	AccessKey string `json:"access_key" mapstructure:"access_key"`
	SecretKey string `json:"secret_key" mapstructure:"secret_key"`
	Bucket    string `json:"bucket" mapstructure:"bucket"`
	UseSSL    bool   `json:"use_ssl" mapstructure:"use_ssl"`
}

// Load reads configuration from disk, falling back to sensible defaults.
// VFXPROC_<SECTION>_<KEY> environment variables override file values.
func Load() (*Config, error) {
	configPath := os.Getenv("VFXPROC_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}
	return LoadFile(expanded)
}

// LoadFile reads configuration from path. A missing file yields defaults.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, defaultConfig())
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate rejects settings the rest of the program cannot interpret.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.History.RedoAfterFailure) {
	case "", "retry", "fail":
	default:
		errs = append(errs, fmt.Errorf("history.redo_after_failure: unknown policy %q", c.History.RedoAfterFailure))
	}
	switch c.Engine.Backend {
	case "", "imaging", "imagick":
	default:
		errs = append(errs, fmt.Errorf("engine.backend: unknown backend %q", c.Engine.Backend))
	}
	if c.Server.ProgressRate < 0 {
		errs = append(errs, fmt.Errorf("server.progress_rate must not be negative"))
	}
	if c.Server.ProgressBurst < 0 {
		errs = append(errs, fmt.Errorf("server.progress_burst must not be negative"))
	}
	if m := c.Export.MinIO; m.Endpoint != "" && m.Bucket == "" {
		errs = append(errs, fmt.Errorf("export.minio.bucket is required when an endpoint is set"))
	}
	return errors.Join(errs...)
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			TempDir: os.TempDir(),
		},
		History: History{
			RedoAfterFailure: "retry",
		},
		Engine: Engine{
			Backend: "imaging",
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "vfxproc.db"),
		},
		Server: Server{
			Addr:          ":8080",
			GRPCAddr:      ":9090",
			ProgressRate:  10,
			ProgressBurst: 5,
		},
	}
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("processing.temp_dir", d.Processing.TempDir)
	v.SetDefault("processing.keep_temp", d.Processing.KeepTemp)
	v.SetDefault("history.redo_after_failure", d.History.RedoAfterFailure)
	v.SetDefault("engine.backend", d.Engine.Backend)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file_output", d.Logging.FileOutput)
	v.SetDefault("logging.log_dir", d.Logging.LogDir)
	v.SetDefault("paths.default_output", d.Paths.DefaultOutput)
	v.SetDefault("paths.database_path", d.Paths.DatabasePath)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.grpc_addr", d.Server.GRPCAddr)
	v.SetDefault("server.progress_rate", d.Server.ProgressRate)
	v.SetDefault("server.progress_burst", d.Server.ProgressBurst)
	v.SetDefault("export.minio.endpoint", "")
	v.SetDefault("export.minio.access_key", "")
	v.SetDefault("export.minio.secret_key", "")
	v.SetDefault("export.minio.bucket", "")
	v.SetDefault("export.minio.use_ssl", false)
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
