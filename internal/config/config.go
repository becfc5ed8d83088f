// Package config resolves the effective server configuration from
// layered sources: built-in defaults, an auto-discovered config.json
// beside the executable, an explicit config file, WHISPER_* environment
// variables, and command-line flags, in that order of precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fmueller/whisperd/internal/model"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const envPrefix = "WHISPER"

type ServerConfig struct {
	Host             string
	Port             int
	TimeoutSeconds   int
	MaxConcurrent    int
	QueueWaitSeconds int
}

type WhisperConfig struct {
	ModelName     string
	Language      string
	Device        string
	SampleRate    int
	MaxFileSizeMB int
}

type LoggingConfig struct {
	Level      string
	FilePath   string
	MaxBytes   int64
	MaxBackups int
}

// Config is the effective configuration. It is built once at startup
// and never mutated afterwards.
type Config struct {
	Server  ServerConfig
	Whisper WhisperConfig
	Logging LoggingConfig
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

func (c *Config) QueueWait() time.Duration {
	return time.Duration(c.Server.QueueWaitSeconds) * time.Second
}

func (c *Config) MaxFileBytes() int64 {
	return int64(c.Whisper.MaxFileSizeMB) * 1024 * 1024
}

// Defaults returns the built-in configuration as canonical key paths.
// The same map seeds the resolver and drives unknown-key detection.
func Defaults() map[string]any {
	return map[string]any{
		"server.host":             "0.0.0.0",
		"server.port":             8000,
		"server.timeoutSeconds":   120,
		"server.maxConcurrent":    2,
		"server.queueWaitSeconds": 10,
		"whisper.modelName":       model.Default,
		"whisper.language":        "auto",
		"whisper.device":          "auto",
		"whisper.sampleRate":      16000,
		"whisper.maxFileSizeMb":   100,
		"logging.level":           "info",
		"logging.filePath":        filepath.Join("logs", "whisper-server.log"),
		"logging.maxBytes":        int64(10 * 1024 * 1024),
		"logging.maxBackups":      10,
	}
}

// LoadOptions parameterize resolution. Flags, when present, take the
// highest precedence; ExeDir overrides where the auto-discovered
// config.json is looked for (defaults to the executable's directory).
type LoadOptions struct {
	ConfigPath string
	Flags      *pflag.FlagSet
	ExeDir     string
	Logger     *zap.Logger
}

// Load resolves the effective configuration. Later sources override
// earlier ones key by key; unknown keys in config files are ignored but
// logged at debug level.
func Load(opts LoadOptions) (*Config, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	v := viper.New()
	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}

	if discovered := discoverConfigFile(opts.ExeDir); discovered != "" {
		if err := mergeConfigFile(v, discovered, logger); err != nil {
			return nil, err
		}
	}

	if opts.ConfigPath != "" {
		if _, err := os.Stat(opts.ConfigPath); err != nil {
			return nil, fmt.Errorf("config file %s: %w", opts.ConfigPath, err)
		}
		if err := mergeConfigFile(v, opts.ConfigPath, logger); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		bindings := map[string]string{
			"server.host":           "host",
			"server.port":           "port",
			"server.timeoutSeconds": "timeout",
			"whisper.modelName":     "model",
			"whisper.language":      "language",
		}
		for key, name := range bindings {
			if flag := opts.Flags.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return nil, fmt.Errorf("bind flag --%s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("bind configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Server.TimeoutSeconds <= 0 {
		return errors.New("server.timeoutSeconds must be positive")
	}
	if c.Server.MaxConcurrent <= 0 {
		return errors.New("server.maxConcurrent must be positive")
	}
	if c.Server.QueueWaitSeconds < 0 {
		return errors.New("server.queueWaitSeconds must not be negative")
	}
	if c.Whisper.SampleRate <= 0 {
		return errors.New("whisper.sampleRate must be positive")
	}
	if c.Whisper.MaxFileSizeMB <= 0 {
		return errors.New("whisper.maxFileSizeMb must be positive")
	}
	switch c.Whisper.Device {
	case "auto", "cpu", "gpu":
	default:
		return fmt.Errorf("whisper.device %q is not one of auto, cpu, gpu", c.Whisper.Device)
	}
	if _, err := model.Normalize(c.Whisper.ModelName); err != nil {
		return err
	}
	if c.Logging.MaxBytes <= 0 {
		return errors.New("logging.maxBytes must be positive")
	}
	return nil
}

func discoverConfigFile(exeDir string) string {
	if exeDir == "" {
		exe, err := os.Executable()
		if err != nil {
			return ""
		}
		exeDir = filepath.Dir(exe)
	}

	candidate := filepath.Join(exeDir, "config.json")
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
		return candidate
	}
	return ""
}

func mergeConfigFile(v *viper.Viper, path string, logger *zap.Logger) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	rewritten := camelizeKeys(doc)
	logUnknownKeys(rewritten, "", logger, path)

	if err := v.MergeConfigMap(rewritten); err != nil {
		return fmt.Errorf("merge config file %s: %w", path, err)
	}
	return nil
}

// camelizeKeys rewrites snake_case keys (model_name, timeout_seconds)
// to the canonical camelCase form before the merge, recursively.
func camelizeKeys(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for key, value := range doc {
		if nested, ok := value.(map[string]any); ok {
			value = camelizeKeys(nested)
		}
		out[camelize(key)] = value
	}
	return out
}

func camelize(key string) string {
	parts := strings.Split(key, "_")
	if len(parts) == 1 {
		return key
	}

	var b strings.Builder
	b.WriteString(strings.ToLower(parts[0]))
	for _, part := range parts[1:] {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(strings.ToLower(part[1:]))
	}
	return b.String()
}

func logUnknownKeys(doc map[string]any, prefix string, logger *zap.Logger, path string) {
	known := Defaults()
	for key, value := range doc {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			logUnknownKeys(nested, full, logger, path)
			continue
		}
		if _, ok := known[normalizeKeyCase(full, known)]; !ok {
			logger.Debug("ignoring unknown config key", zap.String("key", full), zap.String("file", path))
		}
	}
}

// normalizeKeyCase matches keys case-insensitively the way the binder
// does, so casing differences are not reported as unknown keys.
func normalizeKeyCase(key string, known map[string]any) string {
	for k := range known {
		if strings.EqualFold(k, key) {
			return k
		}
	}
	return key
}
