// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load reads configs/config.yaml, merges config.<APP_ENVIRONMENT>.yaml on top,
// applies environment overrides and defaults, then validates.
func Load() (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}
	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig()

	return finish(v)
}

// LoadFromFile reads a single config file with the same env handling as Load.
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return finish(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func finish(v *viper.Viper) (*Config, error) {
	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideSecrets(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func loadEnvFile() {
	paths := []string{".env", "../.env", "../../.env"}
	if root := findProjectRoot(); root != "" {
		paths = append(paths, filepath.Join(root, ".env"))
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err == nil {
			return
		}
	}
}

func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// expandEnvVars resolves ${VAR} placeholders left in string values.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		strVal, ok := v.Get(key).(string)
		if !ok || !strings.Contains(strVal, "$") {
			continue
		}
		if expanded := os.ExpandEnv(strVal); expanded != strVal {
			v.Set(key, expanded)
		}
	}
}

// overrideSecrets fills credentials that are conventionally provided as
// bare environment variables rather than nested keys.
func overrideSecrets(cfg *Config) {
	setIfEmpty(&cfg.APIs.Agent.APIKey, "AGENT_API_KEY")
	setIfEmpty(&cfg.Tools.Verification.APIKey, "VERIFICATION_API_KEY")
	setIfEmpty(&cfg.Tools.Documents.APIKey, "DOCUMENTS_API_KEY")
	setIfEmpty(&cfg.Tools.Calculations.APIKey, "CALCULATIONS_API_KEY")
	setIfEmpty(&cfg.Database.Postgres.User, "DB_USER")
	setIfEmpty(&cfg.Database.Postgres.Password, "DB_PASSWORD")
	setIfEmpty(&cfg.Database.Redis.Password, "REDIS_PASSWORD")
}

func setIfEmpty(dst *string, envKey string) {
	if *dst != "" {
		return
	}
	if val := os.Getenv(envKey); val != "" {
		*dst = val
	}
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "loan-orchestrator"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}

	if cfg.Camunda.MaxJobsActive == 0 {
		cfg.Camunda.MaxJobsActive = 10
	}
	if cfg.Camunda.Timeout == 0 {
		cfg.Camunda.Timeout = 30000
	}
	if cfg.Camunda.RequestTimeout == 0 {
		cfg.Camunda.RequestTimeout = 30000
	}

	if cfg.Database.Postgres.Port == 0 {
		cfg.Database.Postgres.Port = 5432
	}
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 25
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 5
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}
	if cfg.Database.Elasticsearch.DecisionIndex == "" {
		cfg.Database.Elasticsearch.DecisionIndex = "loan-decisions"
	}

	if cfg.Workers == nil {
		cfg.Workers = map[string]WorkerConfig{}
	}
	for key, w := range cfg.Workers {
		if w.MaxJobsActive == 0 {
			w.MaxJobsActive = 5
		}
		if w.Timeout == 0 {
			w.Timeout = 30000
		}
		if w.MaxRetries == 0 {
			w.MaxRetries = 3
		}
		cfg.Workers[key] = w
	}

	if cfg.APIs.Agent.Timeout == 0 {
		cfg.APIs.Agent.Timeout = 60000
	}
	if cfg.APIs.Agent.MaxToolRounds == 0 {
		cfg.APIs.Agent.MaxToolRounds = 8
	}
	if cfg.APIs.Agent.MaxTokens == 0 {
		cfg.APIs.Agent.MaxTokens = 1024
	}

	for _, p := range []*ProviderConfig{&cfg.Tools.Verification, &cfg.Tools.Documents, &cfg.Tools.Calculations} {
		if p.Timeout == 0 {
			p.Timeout = 10000
		}
	}

	if cfg.Pipeline.StageTimeout == 0 {
		cfg.Pipeline.StageTimeout = 60000
	}
	if cfg.Pipeline.MaxRetries == 0 {
		cfg.Pipeline.MaxRetries = 2
	}
	if cfg.Pipeline.BaseBackoff == 0 {
		cfg.Pipeline.BaseBackoff = 200
	}
	if cfg.Pipeline.MaxBackoff == 0 {
		cfg.Pipeline.MaxBackoff = 5000
	}

	if cfg.Intake.MaxTurns == 0 {
		cfg.Intake.MaxTurns = 30
	}
	if cfg.Intake.MaxStalledTurns == 0 {
		cfg.Intake.MaxStalledTurns = 5
	}
	if cfg.Intake.MinTermMonths == 0 {
		cfg.Intake.MinTermMonths = 6
	}
	if cfg.Intake.MaxTermMonths == 0 {
		cfg.Intake.MaxTermMonths = 360
	}
	if cfg.Intake.MaxAmount == 0 {
		cfg.Intake.MaxAmount = 1000000
	}
	if cfg.Intake.SessionTTL == 0 {
		cfg.Intake.SessionTTL = 30 * 60 * 1000
	}
	if cfg.Intake.AgentRetryBackoff == 0 {
		cfg.Intake.AgentRetryBackoff = 250
	}

	if cfg.Events.BufferPerRun == 0 {
		cfg.Events.BufferPerRun = 256
	}
	if cfg.Events.MaxRuns == 0 {
		cfg.Events.MaxRuns = 1000
	}
	if cfg.Events.RedisTTL == 0 {
		cfg.Events.RedisTTL = 24 * 60 * 60 * 1000
	}
	if cfg.Events.RedisMaxLen == 0 {
		cfg.Events.RedisMaxLen = 500
	}

	if cfg.Notifications.AWS.Region == "" {
		cfg.Notifications.AWS.Region = "us-east-1"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = cfg.App.Name
	}
	if cfg.Observability.TraceSampleRatio == 0 {
		cfg.Observability.TraceSampleRatio = 1.0
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Camunda.BrokerAddress == "" {
		return fmt.Errorf("camunda.broker_address is required")
	}
	if cfg.Database.Postgres.Host == "" {
		return fmt.Errorf("database.postgres.host is required")
	}
	if cfg.Database.Postgres.Database == "" {
		return fmt.Errorf("database.postgres.database is required")
	}
	if cfg.Database.Postgres.User == "" {
		return fmt.Errorf("database.postgres.user is required")
	}
	if len(cfg.Database.Elasticsearch.Addresses) == 0 {
		return fmt.Errorf("database.elasticsearch.addresses is required")
	}
	if cfg.Database.Redis.Address == "" {
		return fmt.Errorf("database.redis.address is required")
	}
	if cfg.APIs.Agent.BaseURL == "" {
		return fmt.Errorf("apis.agent.base_url is required")
	}
	if cfg.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline.max_retries must not be negative")
	}
	if cfg.Intake.MinTermMonths > cfg.Intake.MaxTermMonths {
		return fmt.Errorf("intake.min_term_months must not exceed intake.max_term_months")
	}
	if cfg.Observability.TraceSampleRatio < 0 || cfg.Observability.TraceSampleRatio > 1 {
		return fmt.Errorf("observability.trace_sample_ratio must be within [0, 1]")
	}
	return nil
}

func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}

func GetWorkerConfig(cfg *Config, workerName string) WorkerConfig {
	if w, exists := cfg.Workers[workerName]; exists {
		return w
	}
	return WorkerConfig{
		Enabled:       true,
		MaxJobsActive: 5,
		Timeout:       30000,
		MaxRetries:    3,
	}
}

func IsWorkerEnabled(cfg *Config, workerName string) bool {
	if w, exists := cfg.Workers[workerName]; exists {
		return w.Enabled
	}
	return true
}
