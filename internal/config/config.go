package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "SCANFORGE"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "scanforge.db"
	defaultLogLevel         = "info"
	defaultTokenTTLMinutes  = 30
	defaultLLMBaseURL       = "https://api.openai.com/v1"
	defaultLLMModel         = "gpt-4o-mini"
	defaultUploadMaxBytes   = 1 << 20
	defaultUploadExtensions = ".py,.js,.ts,.go,.java,.rb,.php,.c,.cpp,.cs"
)

// OAuthProviderConfig holds the client credentials for one OAuth provider.
type OAuthProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// Configured reports whether the provider has usable credentials.
func (c OAuthProviderConfig) Configured() bool {
	return strings.TrimSpace(c.ClientID) != "" && strings.TrimSpace(c.ClientSecret) != ""
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	SigningSecret    string
	EncryptionSecret string
	TokenTTL         time.Duration
	DatabasePath     string
	LogLevel         string
	AllowedOrigins   []string

	GitHub    OAuthProviderConfig
	GitLab    OAuthProviderConfig
	Google    OAuthProviderConfig
	Bitbucket OAuthProviderConfig

	LLMAPIKey  string
	LLMBaseURL string
	LLMModel   string

	UploadMaxBytes   int64
	UploadExtensions []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", "*")
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("llm.base_url", defaultLLMBaseURL)
	configViper.SetDefault("llm.model", defaultLLMModel)
	configViper.SetDefault("upload.max_bytes", defaultUploadMaxBytes)
	configViper.SetDefault("upload.extensions", defaultUploadExtensions)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		EncryptionSecret: configViper.GetString("auth.encryption_secret"),
		TokenTTL:         time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		AllowedOrigins:   splitList(configViper.GetString("http.allowed_origins")),
		GitHub:           providerConfig(configViper, "github"),
		GitLab:           providerConfig(configViper, "gitlab"),
		Google:           providerConfig(configViper, "google"),
		Bitbucket:        providerConfig(configViper, "bitbucket"),
		LLMAPIKey:        configViper.GetString("llm.api_key"),
		LLMBaseURL:       configViper.GetString("llm.base_url"),
		LLMModel:         configViper.GetString("llm.model"),
		UploadMaxBytes:   configViper.GetInt64("upload.max_bytes"),
		UploadExtensions: splitList(configViper.GetString("upload.extensions")),
	}

	// Both secrets may come from one deployment secret, but they serve
	// different purposes: one signs session tokens, the other derives the
	// vault key.
	if strings.TrimSpace(cfg.EncryptionSecret) == "" {
		cfg.EncryptionSecret = cfg.SigningSecret
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func providerConfig(configViper *viper.Viper, name string) OAuthProviderConfig {
	return OAuthProviderConfig{
		ClientID:     configViper.GetString(name + ".client_id"),
		ClientSecret: configViper.GetString(name + ".client_secret"),
		RedirectURI:  configViper.GetString(name + ".redirect_uri"),
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	return nil
}
