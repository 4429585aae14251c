package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "LEADBOT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "LEADBOT_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "LEADBOT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "llm.base_url", typ: kString, env: "LEADBOT_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_key", typ: kString, env: "LEADBOT_LLM_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.model", typ: kString, env: "LEADBOT_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.embed_model", typ: kString, env: "LEADBOT_LLM_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.EmbedModel },
	},
	{
		key: "llm.max_tokens", typ: kInt, env: "LEADBOT_LLM_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.LLM.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.MaxTokens },
	},
	{
		key: "llm.temperature", typ: kFloat, env: "LEADBOT_LLM_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.LLM.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.LLM.Temperature },
	},
	{
		key: "messaging.provider", typ: kString, env: "LEADBOT_MESSAGING_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Messaging.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Messaging.Provider },
	},
	{
		key: "messaging.twilio_account_sid", typ: kString, env: "LEADBOT_TWILIO_ACCOUNT_SID",
		apply:   func(cfg *Config, v any) { cfg.Messaging.TwilioAccountSID = v.(string) },
		extract: func(cfg Config) any { return cfg.Messaging.TwilioAccountSID },
	},
	{
		key: "messaging.twilio_auth_token", typ: kString, env: "LEADBOT_TWILIO_AUTH_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Messaging.TwilioAuthToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Messaging.TwilioAuthToken },
	},
	{
		key: "messaging.twilio_from", typ: kString, env: "LEADBOT_TWILIO_FROM",
		apply:   func(cfg *Config, v any) { cfg.Messaging.TwilioFrom = v.(string) },
		extract: func(cfg Config) any { return cfg.Messaging.TwilioFrom },
	},
	{
		key: "messaging.meta_token", typ: kString, env: "LEADBOT_META_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Messaging.MetaToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Messaging.MetaToken },
	},
	{
		key: "messaging.meta_phone_number_id", typ: kString, env: "LEADBOT_META_PHONE_NUMBER_ID",
		apply:   func(cfg *Config, v any) { cfg.Messaging.MetaPhoneNumberID = v.(string) },
		extract: func(cfg Config) any { return cfg.Messaging.MetaPhoneNumberID },
	},
	{
		key: "messaging.meta_verify_token", typ: kString, env: "LEADBOT_META_VERIFY_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Messaging.MetaVerifyToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Messaging.MetaVerifyToken },
	},
	{
		key: "messaging.validate_signatures", typ: kBool, env: "LEADBOT_VALIDATE_SIGNATURES",
		apply:   func(cfg *Config, v any) { cfg.Messaging.ValidateSignatures = v.(bool) },
		extract: func(cfg Config) any { return cfg.Messaging.ValidateSignatures },
	},
	{
		key: "bot.default_client_id", typ: kString, env: "LEADBOT_DEFAULT_CLIENT_ID",
		apply:   func(cfg *Config, v any) { cfg.Bot.DefaultClientID = v.(string) },
		extract: func(cfg Config) any { return cfg.Bot.DefaultClientID },
	},
	{
		key: "bot.system_prompt", typ: kString, env: "LEADBOT_SYSTEM_PROMPT",
		apply:   func(cfg *Config, v any) { cfg.Bot.SystemPrompt = v.(string) },
		extract: func(cfg Config) any { return cfg.Bot.SystemPrompt },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "LEADBOT_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.interest_threshold", typ: kFloat, env: "LEADBOT_RETRIEVAL_INTEREST_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.InterestThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.InterestThreshold },
	},
	{
		key: "api.token", typ: kString, env: "LEADBOT_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
