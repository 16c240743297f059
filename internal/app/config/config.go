package config

import "time"

// Config provides read-only access to application configuration.
// The app layer depends on this interface, never on the file format.
type Config interface {
	// Core settings
	Home() string // Base directory for ArchMesh state (ARCHMESH_HOME)

	// Session store
	Store() string      // memory | sqlite | nats
	DBPath() string     // SQLite database file
	NATSURL() string    // NATS server URL, "" or "embedded" for an in-process server
	NATSBucket() string // JetStream KV bucket

	// Artifact storage
	Storage() string    // mock | local | s3
	StorageDir() string // Root of the local storage gateway
	S3Bucket() string
	S3Prefix() string
	S3Region() string
	S3Endpoint() string // Custom endpoint (MinIO, localstack)

	// Agent
	Agent() string             // mock | anthropic | openai | ollama
	Model() string             // Model name, "" for the agent's default
	AgentURL() string          // Base URL override
	AgentMaxConcurrency() int  // Concurrent calls per agent, 0 for pool defaults
	StageTimeoutSec() int      // Upper bound for one stage routine
	StageTimeout() time.Duration
	PromptsPath() string // Prompt catalogue file, "" for the built-in one

	// Execution
	UpdateRetries() int // Store update attempts on version conflicts
	Workers() int       // Background drive workers

	// HTTP surface
	HTTPAddr() string
	HTTPToken() string // Bearer token, "" disables auth
	CORSOrigins() []string

	// Logging
	LogLevel() string    // debug | info | warn | error
	LogFormat() string   // text | json
	JournalPath() string // NDJSON transition journal, "" disables it

	// Metadata
	ConfigSource() string // "file" or "default"
	SettingPath() string  // Path to archmesh.yaml if loaded from file
}

// Values is the full set of resolved settings
type Values struct {
	Home string

	Store      string
	DBPath     string
	NATSURL    string
	NATSBucket string

	Storage    string
	StorageDir string
	S3Bucket   string
	S3Prefix   string
	S3Region   string
	S3Endpoint string

	Agent               string
	Model               string
	AgentURL            string
	AgentMaxConcurrency int
	StageTimeoutSec     int
	PromptsPath         string

	UpdateRetries int
	Workers       int

	HTTPAddr    string
	HTTPToken   string
	CORSOrigins []string

	LogLevel    string
	LogFormat   string
	JournalPath string
}

// AppConfig is the concrete implementation of Config interface.
// It is immutable once built.
type AppConfig struct {
	v Values

	configSource string
	settingPath  string
}

// NewAppConfig creates a new AppConfig instance
func NewAppConfig(v Values, configSource, settingPath string) *AppConfig {
	v.CORSOrigins = append([]string(nil), v.CORSOrigins...)
	return &AppConfig{v: v, configSource: configSource, settingPath: settingPath}
}

// Home returns the base directory
func (c *AppConfig) Home() string { return c.v.Home }

// Store returns the session store backend
func (c *AppConfig) Store() string { return c.v.Store }

// DBPath returns the SQLite database path
func (c *AppConfig) DBPath() string { return c.v.DBPath }

// NATSURL returns the NATS server URL
func (c *AppConfig) NATSURL() string { return c.v.NATSURL }

// NATSBucket returns the KV bucket name
func (c *AppConfig) NATSBucket() string { return c.v.NATSBucket }

// Storage returns the artifact storage backend
func (c *AppConfig) Storage() string { return c.v.Storage }

// StorageDir returns the local storage root
func (c *AppConfig) StorageDir() string { return c.v.StorageDir }

func (c *AppConfig) S3Bucket() string   { return c.v.S3Bucket }
func (c *AppConfig) S3Prefix() string   { return c.v.S3Prefix }
func (c *AppConfig) S3Region() string   { return c.v.S3Region }
func (c *AppConfig) S3Endpoint() string { return c.v.S3Endpoint }

// Agent returns the agent type
func (c *AppConfig) Agent() string { return c.v.Agent }

// Model returns the configured model
func (c *AppConfig) Model() string { return c.v.Model }

// AgentURL returns the agent base URL override
func (c *AppConfig) AgentURL() string { return c.v.AgentURL }

// AgentMaxConcurrency returns the per-agent call limit
func (c *AppConfig) AgentMaxConcurrency() int { return c.v.AgentMaxConcurrency }

// StageTimeoutSec returns the stage timeout in seconds
func (c *AppConfig) StageTimeoutSec() int { return c.v.StageTimeoutSec }

// StageTimeout returns the stage timeout as a Duration
func (c *AppConfig) StageTimeout() time.Duration {
	return time.Duration(c.v.StageTimeoutSec) * time.Second
}

// PromptsPath returns the prompt catalogue path
func (c *AppConfig) PromptsPath() string { return c.v.PromptsPath }

// UpdateRetries returns the store update attempts
func (c *AppConfig) UpdateRetries() int { return c.v.UpdateRetries }

// Workers returns the number of background drive workers
func (c *AppConfig) Workers() int { return c.v.Workers }

// HTTPAddr returns the listen address of serve
func (c *AppConfig) HTTPAddr() string { return c.v.HTTPAddr }

// HTTPToken returns the API bearer token
func (c *AppConfig) HTTPToken() string { return c.v.HTTPToken }

// CORSOrigins returns a copy of the allowed origins
func (c *AppConfig) CORSOrigins() []string {
	return append([]string(nil), c.v.CORSOrigins...)
}

// LogLevel returns the log level
func (c *AppConfig) LogLevel() string { return c.v.LogLevel }

// LogFormat returns the log format
func (c *AppConfig) LogFormat() string { return c.v.LogFormat }

// JournalPath returns the transition journal path
func (c *AppConfig) JournalPath() string { return c.v.JournalPath }

// ConfigSource returns where the configuration came from
func (c *AppConfig) ConfigSource() string { return c.configSource }

// SettingPath returns the loaded file path
func (c *AppConfig) SettingPath() string { return c.settingPath }
