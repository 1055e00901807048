// internal/common/config/config.go
package config

import "fmt"

type Config struct {
	App           AppConfig               `mapstructure:"app"`
	Server        ServerConfig            `mapstructure:"server"`
	Camunda       CamundaConfig           `mapstructure:"camunda"`
	Database      DatabaseConfig          `mapstructure:"database"`
	Workers       map[string]WorkerConfig `mapstructure:"workers"`
	APIs          APIsConfig              `mapstructure:"apis"`
	Tools         ToolsConfig             `mapstructure:"tools"`
	Pipeline      PipelineConfig          `mapstructure:"pipeline"`
	Intake        IntakeConfig            `mapstructure:"intake"`
	Events        EventsConfig            `mapstructure:"events"`
	Notifications NotificationConfig      `mapstructure:"notifications"`
	Observability ObservabilityConfig     `mapstructure:"observability"`
	Logging       LoggingConfig           `mapstructure:"logging"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Address string `mapstructure:"address"`
}

type CamundaConfig struct {
	BrokerAddress  string `mapstructure:"broker_address"`
	MaxJobsActive  int    `mapstructure:"max_jobs_active"`
	Timeout        int    `mapstructure:"timeout"`         // milliseconds
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type ElasticsearchConfig struct {
	Addresses     []string `mapstructure:"addresses"`
	Username      string   `mapstructure:"username"`
	Password      string   `mapstructure:"password"`
	DecisionIndex string   `mapstructure:"decision_index"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type WorkerConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxJobsActive int  `mapstructure:"max_jobs_active"`
	Timeout       int  `mapstructure:"timeout"` // milliseconds
	MaxRetries    int  `mapstructure:"max_retries"`
}

type APIsConfig struct {
	Agent AgentConfig `mapstructure:"agent"`
}

// AgentConfig addresses the reasoning-agent service.
type AgentConfig struct {
	BaseURL       string  `mapstructure:"base_url"`
	APIKey        string  `mapstructure:"api_key"`
	Timeout       int     `mapstructure:"timeout"` // milliseconds
	MaxToolRounds int     `mapstructure:"max_tool_rounds"`
	MaxTokens     int     `mapstructure:"max_tokens"`
	Temperature   float64 `mapstructure:"temperature"`
}

type ToolsConfig struct {
	Verification ProviderConfig `mapstructure:"verification"`
	Documents    ProviderConfig `mapstructure:"documents"`
	Calculations ProviderConfig `mapstructure:"calculations"`
}

type ProviderConfig struct {
	BaseURL    string   `mapstructure:"base_url"`
	APIKey     string   `mapstructure:"api_key"`
	Timeout    int      `mapstructure:"timeout"` // milliseconds
	Operations []string `mapstructure:"operations"`
	CacheTTL   int      `mapstructure:"cache_ttl"` // milliseconds, 0 disables caching
}

type PipelineConfig struct {
	StageTimeout int    `mapstructure:"stage_timeout"` // milliseconds
	MaxRetries   int    `mapstructure:"max_retries"`
	BaseBackoff  int    `mapstructure:"base_backoff"` // milliseconds
	MaxBackoff   int    `mapstructure:"max_backoff"`  // milliseconds
	RegistryPath string `mapstructure:"registry_path"`
}

type IntakeConfig struct {
	MaxTurns          int     `mapstructure:"max_turns"`
	MaxStalledTurns   int     `mapstructure:"max_stalled_turns"`
	MinTermMonths     int     `mapstructure:"min_term_months"`
	MaxTermMonths     int     `mapstructure:"max_term_months"`
	MaxAmount         float64 `mapstructure:"max_amount"`
	SessionTTL        int     `mapstructure:"session_ttl"`         // milliseconds
	AgentRetryBackoff int     `mapstructure:"agent_retry_backoff"` // milliseconds
}

type EventsConfig struct {
	BufferPerRun int `mapstructure:"buffer_per_run"`
	MaxRuns      int `mapstructure:"max_runs"`
	RedisTTL     int `mapstructure:"redis_ttl"` // milliseconds
	RedisMaxLen  int `mapstructure:"redis_max_len"`
}

type NotificationConfig struct {
	AWS struct {
		Region string `mapstructure:"region"`
	} `mapstructure:"aws"`
	SES struct {
		Enabled   bool   `mapstructure:"enabled"`
		FromEmail string `mapstructure:"from_email"`
	} `mapstructure:"ses"`
	SNS struct {
		Enabled  bool   `mapstructure:"enabled"`
		TopicARN string `mapstructure:"topic_arn"`
	} `mapstructure:"sns"`
}

type ObservabilityConfig struct {
	ServiceName      string  `mapstructure:"service_name"`
	TraceSampleRatio float64 `mapstructure:"trace_sample_ratio"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
