package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/archmesh/archmesh/internal/app/config"
)

// SettingFile is the configuration file name inside the home directory
const SettingFile = "archmesh.yaml"

// HomeEnv overrides the default home directory
const HomeEnv = "ARCHMESH_HOME"

// DefaultHome is used when HomeEnv is unset
const DefaultHome = ".archmesh"

// RawSettings represents the structure of archmesh.yaml.
// Pointer fields tell "unset" from zero values.
type RawSettings struct {
	// Core settings
	Home *string `yaml:"home"`

	// Session store
	Store      *string `yaml:"store"`
	DBPath     *string `yaml:"db_path"`
	NATSURL    *string `yaml:"nats_url"`
	NATSBucket *string `yaml:"nats_bucket"`

	// Artifact storage
	Storage    *string `yaml:"storage"`
	StorageDir *string `yaml:"storage_dir"`
	S3Bucket   *string `yaml:"s3_bucket"`
	S3Prefix   *string `yaml:"s3_prefix"`
	S3Region   *string `yaml:"s3_region"`
	S3Endpoint *string `yaml:"s3_endpoint"`

	// Agent
	Agent               *string `yaml:"agent"`
	Model               *string `yaml:"model"`
	AgentURL            *string `yaml:"agent_url"`
	AgentMaxConcurrency *int    `yaml:"agent_max_concurrency"`
	StageTimeoutSec     *int    `yaml:"stage_timeout_sec"`
	PromptsPath         *string `yaml:"prompts_path"`

	// Execution
	UpdateRetries *int `yaml:"update_retries"`
	Workers       *int `yaml:"workers"`

	// HTTP surface
	HTTPAddr    *string  `yaml:"http_addr"`
	HTTPToken   *string  `yaml:"http_token"`
	CORSOrigins []string `yaml:"cors_origins"`

	// Logging
	LogLevel    *string `yaml:"log_level"`
	LogFormat   *string `yaml:"log_format"`
	JournalPath *string `yaml:"journal_path"`
}

// ResolveHome returns ARCHMESH_HOME or the default home directory
func ResolveHome() string {
	if home := strings.TrimSpace(os.Getenv(HomeEnv)); home != "" {
		return home
	}
	return DefaultHome
}

// LoadSettings loads <home>/archmesh.yaml.
// Priority: archmesh.yaml > defaults. A missing file yields the defaults.
func LoadSettings(fsys afero.Fs, home string) (*config.AppConfig, error) {
	if home == "" {
		home = ResolveHome()
	}
	return load(fsys, filepath.Join(home, SettingFile), home, false)
}

// LoadSettingsFile loads an explicit configuration file, which must exist
func LoadSettingsFile(fsys afero.Fs, path string) (*config.AppConfig, error) {
	return load(fsys, path, ResolveHome(), true)
}

func load(fsys afero.Fs, path, home string, required bool) (*config.AppConfig, error) {
	settings := &RawSettings{}
	configSource := "default"
	settingPath := ""

	data, err := afero.ReadFile(fsys, path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, settings); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		configSource = "file"
		settingPath = path
	case errors.Is(err, os.ErrNotExist) && !required:
	default:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if settings.Home == nil {
		settings.Home = &home
	}
	applyDefaults(settings)

	if err := validate(settings); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return buildAppConfig(settings, configSource, settingPath), nil
}

func setString(p **string, v string) {
	if *p == nil {
		*p = &v
	}
}

func setInt(p **int, v int) {
	if *p == nil {
		*p = &v
	}
}

// applyDefaults fills in default values for any nil fields.
// Paths default to locations under home.
func applyDefaults(settings *RawSettings) {
	setString(&settings.Home, DefaultHome)
	home := *settings.Home

	setString(&settings.Store, "sqlite")
	setString(&settings.DBPath, filepath.Join(home, "archmesh.db"))
	setString(&settings.NATSURL, "")
	setString(&settings.NATSBucket, "archmesh_sessions")

	setString(&settings.Storage, "local")
	setString(&settings.StorageDir, home)
	setString(&settings.S3Bucket, "")
	setString(&settings.S3Prefix, "archmesh")
	setString(&settings.S3Region, "us-east-1")
	setString(&settings.S3Endpoint, "")

	setString(&settings.Agent, "mock")
	setString(&settings.Model, "")
	setString(&settings.AgentURL, "")
	setInt(&settings.AgentMaxConcurrency, 0)
	setInt(&settings.StageTimeoutSec, 600) // 10 minutes per LLM stage
	setString(&settings.PromptsPath, "")

	setInt(&settings.UpdateRetries, 5)
	setInt(&settings.Workers, 4)

	setString(&settings.HTTPAddr, ":8080")
	setString(&settings.HTTPToken, "")
	if settings.CORSOrigins == nil {
		settings.CORSOrigins = []string{}
	}

	setString(&settings.LogLevel, "warn")
	setString(&settings.LogFormat, "text")
	setString(&settings.JournalPath, filepath.Join(home, "journal.ndjson"))
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s: %q is not one of %s", field, value, strings.Join(allowed, ", "))
}

func validate(s *RawSettings) error {
	var errs []error
	errs = append(errs,
		oneOf("store", *s.Store, "memory", "sqlite", "nats"),
		oneOf("storage", *s.Storage, "mock", "local", "s3"),
		oneOf("agent", *s.Agent, "mock", "anthropic", "openai", "ollama"),
		oneOf("log_format", *s.LogFormat, "text", "json"),
	)
	if *s.Storage == "s3" && *s.S3Bucket == "" {
		errs = append(errs, errors.New("s3_bucket: required when storage is s3"))
	}
	if *s.StageTimeoutSec < 1 {
		errs = append(errs, fmt.Errorf("stage_timeout_sec: must be positive, got %d", *s.StageTimeoutSec))
	}
	if *s.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers: must be positive, got %d", *s.Workers))
	}
	if *s.AgentMaxConcurrency < 0 {
		errs = append(errs, fmt.Errorf("agent_max_concurrency: must not be negative, got %d", *s.AgentMaxConcurrency))
	}
	return errors.Join(errs...)
}

// buildAppConfig converts RawSettings to AppConfig
func buildAppConfig(s *RawSettings, configSource, settingPath string) *config.AppConfig {
	return config.NewAppConfig(config.Values{
		Home:                *s.Home,
		Store:               *s.Store,
		DBPath:              *s.DBPath,
		NATSURL:             *s.NATSURL,
		NATSBucket:          *s.NATSBucket,
		Storage:             *s.Storage,
		StorageDir:          *s.StorageDir,
		S3Bucket:            *s.S3Bucket,
		S3Prefix:            *s.S3Prefix,
		S3Region:            *s.S3Region,
		S3Endpoint:          *s.S3Endpoint,
		Agent:               *s.Agent,
		Model:               *s.Model,
		AgentURL:            *s.AgentURL,
		AgentMaxConcurrency: *s.AgentMaxConcurrency,
		StageTimeoutSec:     *s.StageTimeoutSec,
		PromptsPath:         *s.PromptsPath,
		UpdateRetries:       *s.UpdateRetries,
		Workers:             *s.Workers,
		HTTPAddr:            *s.HTTPAddr,
		HTTPToken:           *s.HTTPToken,
		CORSOrigins:         s.CORSOrigins,
		LogLevel:            *s.LogLevel,
		LogFormat:           *s.LogFormat,
		JournalPath:         *s.JournalPath,
	}, configSource, settingPath)
}

// CreateDefaultSettings returns the YAML of a settings file with every default filled in.
// promptsPath may be empty for the built-in prompt catalogue.
func CreateDefaultSettings(home, promptsPath string) []byte {
	settings := &RawSettings{Home: &home, PromptsPath: &promptsPath}
	applyDefaults(settings)

	data, _ := yaml.Marshal(settings)
	return data
}
