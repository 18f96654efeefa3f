// Package config resolves spcompile settings from the config file, the
// environment and command-line flags, in increasing order of precedence.
// Every resolved value records where it came from.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

// Environment variables read by ResolveConfig.
const (
	EnvDB         = "SPCOMPILE_DB"
	EnvIndicators = "SPCOMPILE_INDICATORS"
	EnvLogLevel   = "SPCOMPILE_LOG_LEVEL"
	EnvLogFormat  = "SPCOMPILE_LOG_FORMAT"
	EnvWorkers    = "SPCOMPILE_WORKERS"
)

const DefaultDBPath = "~/.spcompile/spcompile.db"

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

type ResolveOptions struct {
	ConfigPath    string
	CLIDBPath     string
	CLIIndicators string
	CLILogLevel   string
	CLILogFormat  string
	CLIWorkers    string
}

type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DBPath     ResolvedValue `json:"db_path"`
	Indicators ResolvedValue `json:"indicators"`
	LogLevel   ResolvedValue `json:"log_level"`
	LogFormat  ResolvedValue `json:"log_format"`
	Workers    ResolvedValue `json:"workers"`
}

// Settings is the typed, validated form of a ResolvedConfig.
type Settings struct {
	DBPath     string `validate:"required"`
	Indicators bool
	LogLevel   string `validate:"oneof=debug info warn error"`
	LogFormat  string `validate:"oneof=text json"`
	Workers    int    `validate:"min=1,max=256"`
}

type fileConfig struct {
	DBPath     string `yaml:"db_path"`
	Indicators *bool  `yaml:"indicators"`
	Workers    int    `yaml:"workers"`
	Log        struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

var settingsValidate = validator.New()

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".spcompile", "config.yaml")
}

func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{
		ConfigPath: path,
		DBPath:     ResolvedValue{Value: DefaultDBPath, Source: SourceDefault, From: "built-in default"},
		Indicators: ResolvedValue{Value: "false", Source: SourceDefault, From: "built-in default"},
		LogLevel:   ResolvedValue{Value: "info", Source: SourceDefault, From: "built-in default"},
		LogFormat:  ResolvedValue{Value: "text", Source: SourceDefault, From: "built-in default"},
		Workers:    ResolvedValue{Value: strconv.Itoa(runtime.NumCPU()), Source: SourceDefault, From: "runtime.NumCPU"},
	}

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}

	if cfg != nil {
		apply(&out.DBPath, cfg.DBPath, SourceConfig, path)
		if cfg.Indicators != nil {
			apply(&out.Indicators, strconv.FormatBool(*cfg.Indicators), SourceConfig, path)
		}
		if cfg.Workers != 0 {
			apply(&out.Workers, strconv.Itoa(cfg.Workers), SourceConfig, path)
		}
		apply(&out.LogLevel, cfg.Log.Level, SourceConfig, path)
		apply(&out.LogFormat, cfg.Log.Format, SourceConfig, path)
	}

	applyEnv(&out.DBPath, EnvDB)
	applyEnv(&out.Indicators, EnvIndicators)
	applyEnv(&out.LogLevel, EnvLogLevel)
	applyEnv(&out.LogFormat, EnvLogFormat)
	applyEnv(&out.Workers, EnvWorkers)

	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")
	apply(&out.Indicators, opts.CLIIndicators, SourceCLI, "--indicators")
	apply(&out.LogLevel, opts.CLILogLevel, SourceCLI, "--log-level")
	apply(&out.LogFormat, opts.CLILogFormat, SourceCLI, "--log-format")
	apply(&out.Workers, opts.CLIWorkers, SourceCLI, "--workers")

	if out.DBPath.Value != "" {
		out.DBPath.Value = expandUserPath(out.DBPath.Value)
	}

	return out, nil
}

// Settings parses and validates the resolved values. Errors name the value
// and where it came from.
func (r ResolvedConfig) Settings() (Settings, error) {
	indicators, err := strconv.ParseBool(r.Indicators.Value)
	if err != nil {
		return Settings{}, fmt.Errorf("indicators %q (from %s): not a boolean", r.Indicators.Value, describe(r.Indicators))
	}
	workers, err := strconv.Atoi(r.Workers.Value)
	if err != nil {
		return Settings{}, fmt.Errorf("workers %q (from %s): not an integer", r.Workers.Value, describe(r.Workers))
	}
	s := Settings{
		DBPath:     r.DBPath.Value,
		Indicators: indicators,
		LogLevel:   strings.ToLower(r.LogLevel.Value),
		LogFormat:  strings.ToLower(r.LogFormat.Value),
		Workers:    workers,
	}
	if err := settingsValidate.Struct(s); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			src := map[string]ResolvedValue{
				"DBPath":    r.DBPath,
				"LogLevel":  r.LogLevel,
				"LogFormat": r.LogFormat,
				"Workers":   r.Workers,
			}[fe.Field()]
			return Settings{}, fmt.Errorf("invalid %s %v (from %s): failed %s check", fe.Field(), fe.Value(), describe(src), fe.Tag())
		}
		return Settings{}, err
	}
	return s, nil
}

func describe(v ResolvedValue) string {
	if v.From != "" {
		return fmt.Sprintf("%s %s", v.Source, v.From)
	}
	return string(v.Source)
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
