package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Consistency modes for persisting a chat turn.
const (
	ConsistencySeparate      = "separate"
	ConsistencyTransactional = "transactional"
)

// Config holds the application configuration
type Config struct {
	LLM      LLMConfig
	Store    StoreConfig
	Speech   SpeechConfig
	Playback PlaybackConfig
	Session  SessionConfig
	Server   ServerConfig
	Log      LogConfig
}

// LLMConfig holds the chat completion configuration
type LLMConfig struct {
	Provider     string        `mapstructure:"provider"`
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Model        string        `mapstructure:"model"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// StoreConfig holds the message store configuration
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

// SpeechConfig holds the text-to-speech configuration
type SpeechConfig struct {
	Provider   string        `mapstructure:"provider"`
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Voice      string        `mapstructure:"voice"`
	Model      string        `mapstructure:"model"`
	SampleRate int           `mapstructure:"sample_rate"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// PlaybackConfig holds the audio output configuration
type PlaybackConfig struct {
	Device    string `mapstructure:"device"`
	AudioFile string `mapstructure:"audio_file"`
}

// SessionConfig holds orchestration settings
type SessionConfig struct {
	Consistency string `mapstructure:"consistency"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	// Keys without a meaningful default are still registered so that
	// AutomaticEnv can resolve them during Unmarshal.
	for _, key := range []string{
		"llm.api_key", "llm.base_url", "store.dsn", "speech.base_url", "speech.api_key",
		"speech.voice", "speech.model", "playback.device",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-2024-11-20")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.max_attempts", 1)
	v.SetDefault("llm.retry_backoff", time.Second)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "cmai.db")

	v.SetDefault("speech.provider", "elevenlabs")
	v.SetDefault("speech.sample_rate", 22050)
	v.SetDefault("speech.timeout", 60*time.Second)

	v.SetDefault("playback.audio_file", "speech.wav")

	v.SetDefault("session.consistency", ConsistencySeparate)

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", "8080")

	v.SetDefault("log.level", "info")
}

// Load loads the configuration from config.yaml in the working directory,
// or from the file named by CONFIG_PATH. Every key can be overridden with
// a CMAI_ prefixed environment variable, e.g. CMAI_LLM_API_KEY.
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("cmai")
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
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// loadEnvFile reads .env (or CMAI_ENV_FILE) into the process environment.
// Variables already set take precedence, and a missing file is not an error.
func loadEnvFile() error {
	path := os.Getenv("CMAI_ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}
