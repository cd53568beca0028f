package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                      = "DUET"
	defaultHTTPAddress             = "0.0.0.0:8080"
	defaultDatabasePath            = "duet.db"
	defaultLogLevel                = "info"
	defaultLogEncoding             = "json"
	defaultTokenTTLMinutes         = 60
	defaultHandshakeTimeoutSeconds = 30
	defaultMessagePageLimit        = 50
	defaultPushSubscriberContact   = "mailto:support@duetchat.app"
	defaultAvatarURLExpiryMinutes  = 15
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	LogEncoding      string
	SigningSecret    string
	TokenTTL         time.Duration
	HandshakeTimeout time.Duration
	MessagePageLimit int

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string

	StorageEndpoint  string
	StorageAccessKey string
	StorageSecretKey string
	StorageBucket    string
	StorageUseSSL    bool
	AvatarURLExpiry  time.Duration
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("auth.handshake_timeout_seconds", defaultHandshakeTimeoutSeconds)
	configViper.SetDefault("chat.message_page_limit", defaultMessagePageLimit)
	configViper.SetDefault("push.vapid_subscriber", defaultPushSubscriberContact)
	configViper.SetDefault("storage.use_ssl", true)
	configViper.SetDefault("storage.avatar_url_expiry_minutes", defaultAvatarURLExpiryMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		LogEncoding:      configViper.GetString("log.encoding"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		TokenTTL:         time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		HandshakeTimeout: time.Duration(configViper.GetInt("auth.handshake_timeout_seconds")) * time.Second,
		MessagePageLimit: configViper.GetInt("chat.message_page_limit"),
		VAPIDPublicKey:   configViper.GetString("push.vapid_public_key"),
		VAPIDPrivateKey:  configViper.GetString("push.vapid_private_key"),
		VAPIDSubscriber:  configViper.GetString("push.vapid_subscriber"),
		StorageEndpoint:  configViper.GetString("storage.endpoint"),
		StorageAccessKey: configViper.GetString("storage.access_key"),
		StorageSecretKey: configViper.GetString("storage.secret_key"),
		StorageBucket:    configViper.GetString("storage.bucket"),
		StorageUseSSL:    configViper.GetBool("storage.use_ssl"),
		AvatarURLExpiry:  time.Duration(configViper.GetInt("storage.avatar_url_expiry_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("auth.handshake_timeout_seconds must be positive")
	}
	if c.MessagePageLimit <= 0 {
		return fmt.Errorf("chat.message_page_limit must be positive")
	}
	return nil
}

// PushConfigured reports whether VAPID key material is present.
func (c AppConfig) PushConfigured() bool {
	return strings.TrimSpace(c.VAPIDPublicKey) != "" && strings.TrimSpace(c.VAPIDPrivateKey) != ""
}

// StorageConfigured reports whether the avatar object store is usable.
func (c AppConfig) StorageConfigured() bool {
	return strings.TrimSpace(c.StorageEndpoint) != "" && strings.TrimSpace(c.StorageBucket) != ""
}
