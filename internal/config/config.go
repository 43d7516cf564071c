package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	LLM      LLMConfig
	Server   ServerConfig
	Database DatabaseConfig
	Pipeline PipelineConfig
	AMQP     AMQPConfig `mapstructure:"amqp"`
	Log      LogConfig
}

// LLMConfig holds the configuration of the text-analysis model endpoint.
// Any OpenAI-compatible endpoint works; Gemini is reached through its
// OpenAI-compatible base URL.
type LLMConfig struct {
	Provider    string  `mapstructure:"provider"`
	BaseURL     string  `mapstructure:"base_url"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Temperature float32 `mapstructure:"temperature"`
	JSONMode    bool    `mapstructure:"json_mode"`
}

// Configured reports whether an external analysis call can be made at all.
func (c LLMConfig) Configured() bool {
	return c.APIKey != "" && c.Model != ""
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// DatabaseConfig points at the sqlite file shared with the live session writer.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// PipelineConfig tunes the batch processor.
type PipelineConfig struct {
	QueueRoles    string        `mapstructure:"queue_roles"`
	SessionRoles  string        `mapstructure:"session_roles"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	Interval      time.Duration `mapstructure:"interval"`
	OverviewLimit int           `mapstructure:"overview_limit"`
	KeywordLimit  int           `mapstructure:"keyword_limit"`
}

// AMQPConfig enables publishing of committed analysis results. Empty URL disables it.
type AMQPConfig struct {
	URL   string `mapstructure:"url"`
	Queue string `mapstructure:"queue"`
}

// LogConfig holds the log level and output format (json or text).
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "https://generativelanguage.googleapis.com/v1beta/openai/")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gemini-1.5-flash")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.json_mode", false)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("database.path", "friday_users.db")
	v.SetDefault("pipeline.queue_roles", "all")
	v.SetDefault("pipeline.session_roles", "user")
	v.SetDefault("pipeline.lock_ttl", 10*time.Minute)
	v.SetDefault("pipeline.interval", time.Duration(0))
	v.SetDefault("pipeline.overview_limit", 50)
	v.SetDefault("pipeline.keyword_limit", 20)
	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.queue", "message_analytics")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load loads the configuration from config.yaml in the working directory, or from
// the file named by CONFIG_PATH. A missing config.yaml is not an error: defaults and
// FRIDAY_* environment variables still apply.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FRIDAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// The original deployment kept the key in GOOGLE_API_KEY.
	if config.LLM.APIKey == "" {
		for _, key := range []string{"GOOGLE_API_KEY", "OPENAI_API_KEY"} {
			if val := os.Getenv(key); val != "" {
				config.LLM.APIKey = val
				break
			}
		}
	}

	return &config, nil
}
