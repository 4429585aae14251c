package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	LLM       LLMConfig
	Messaging MessagingConfig
	Bot       BotConfig
	Retrieval RetrievalConfig
	API       APIConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type LLMConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	EmbedModel  string
	MaxTokens   int
	Temperature float64
}

const (
	ProviderTwilio = "twilio"
	ProviderMeta   = "meta"
)

type MessagingConfig struct {
	Provider           string
	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioFrom         string
	MetaToken          string
	MetaPhoneNumberID  string
	MetaVerifyToken    string
	ValidateSignatures bool
}

type BotConfig struct {
	DefaultClientID string
	SystemPrompt    string
}

type RetrievalConfig struct {
	TopK              int
	InterestThreshold float64
}

type APIConfig struct {
	Token string
}

const DefaultSystemPrompt = "You are a helpful sales assistant. Keep responses clear and concise, " +
	"under 1500 characters. Provide brief, actionable information."

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8000,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		LLM: LLMConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			EmbedModel:  "text-embedding-3-small",
			MaxTokens:   500,
			Temperature: 0.7,
		},
		Messaging: MessagingConfig{
			Provider:           ProviderTwilio,
			TwilioFrom:         "whatsapp:+14155238886",
			ValidateSignatures: true,
		},
		Bot: BotConfig{
			DefaultClientID: "default",
			SystemPrompt:    DefaultSystemPrompt,
		},
		Retrieval: RetrievalConfig{
			TopK:              3,
			InterestThreshold: 0.8,
		},
	}
}

// Load reads configuration in layers: defaults, a .env file in the working
// directory, the JSON config file at $XDG_CONFIG_HOME/leadbot/config.json,
// LEADBOT_* environment variables and finally, for secrets still unset, the
// secrets file at $XDG_DATA_HOME/leadbot/secrets.json. The result is
// validated for running the server.
func Load() (Config, error) {
	cfg, err := LoadUnvalidated()
	if err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadUnvalidated is Load without the server requirements. Admin commands
// that only talk to a running server use it.
func LoadUnvalidated() (Config, error) {
	return loadWith(".env", newFileBackend(configFilePath()), secretsFile{path: secretsFilePath()})
}

func loadWith(dotenvPath string, b ConfigBackend, secrets secretStore) (Config, error) {
	// godotenv never overrides variables already present in the environment.
	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("loading %s: %w", dotenvPath, err)
		}
	}

	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, secrets)
	return cfg, nil
}

func applySecrets(cfg *Config, secrets secretStore) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg) != "" {
			continue
		}
		if v, err := secrets.Get(s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

// Validate checks the settings the server cannot start without.
func Validate(cfg Config) error {
	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("missing required config: LLM API key. "+
			"Set it via environment variable LEADBOT_LLM_API_KEY or the secrets file %s", secretsFilePath())
	}

	switch strings.ToLower(cfg.Messaging.Provider) {
	case ProviderTwilio:
		if cfg.Messaging.TwilioAccountSID == "" || cfg.Messaging.TwilioAuthToken == "" {
			return fmt.Errorf("missing required config: messaging provider %q needs "+
				"LEADBOT_TWILIO_ACCOUNT_SID and LEADBOT_TWILIO_AUTH_TOKEN", cfg.Messaging.Provider)
		}
	case ProviderMeta:
		if cfg.Messaging.MetaToken == "" || cfg.Messaging.MetaPhoneNumberID == "" {
			return fmt.Errorf("missing required config: messaging provider %q needs "+
				"LEADBOT_META_TOKEN and LEADBOT_META_PHONE_NUMBER_ID", cfg.Messaging.Provider)
		}
	default:
		return fmt.Errorf("unknown messaging provider %q (want %q or %q)",
			cfg.Messaging.Provider, ProviderTwilio, ProviderMeta)
	}

	if cfg.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive, got %d", cfg.Retrieval.TopK)
	}
	return nil
}
