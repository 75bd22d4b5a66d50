// Package config assembles the typed application configuration once at
// startup. Sources are layered: built-in defaults, an optional YAML file,
// then environment variables (highest priority). No component re-reads
// environment state at call time; the resolved Config is passed into every
// constructor.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment variable overrides, e.g.
// EMBEDAUTH_ENTRA_TENANT_ID.
const EnvPrefix = "EMBEDAUTH_"

// ConfigPathEnvVar names an explicit config file location.
const ConfigPathEnvVar = "EMBEDAUTH_CONFIG"

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port" validate:"min=1,max=65535"`
}

// EntraConfig holds identity-provider settings. Authority, JWKSURL, Issuer
// and TokenURL are derived from TenantID when left empty.
type EntraConfig struct {
	TenantID     string `koanf:"tenant_id" validate:"required"`
	ClientID     string `koanf:"client_id" validate:"required"`
	ClientSecret string `koanf:"client_secret"`
	Authority    string `koanf:"authority"`
	JWKSURL      string `koanf:"jwks_url"`
	Issuer       string `koanf:"issuer"`
	TokenURL     string `koanf:"token_url"`
	GraphURL     string `koanf:"graph_url"`
	GraphScope   string `koanf:"graph_scope"`
}

// PowerBIConfig holds analytics-platform settings.
type PowerBIConfig struct {
	APIURL               string `koanf:"api_url"`
	Scope                string `koanf:"scope"`
	WorkspaceID          string `koanf:"workspace_id" validate:"required"`
	DatasetID            string `koanf:"dataset_id"`
	ReportID             string `koanf:"report_id"`
	TokenLifetimeMinutes int    `koanf:"token_lifetime_minutes" validate:"min=1"`
}

// RolesConfig holds the group→role mapping table and the fixed admin rule.
type RolesConfig struct {
	GroupMappings map[string][]string `koanf:"group_mappings"`
	AdminGroup    string              `koanf:"admin_group" validate:"required"`
	GroupPrefix   string              `koanf:"group_prefix"`
}

// CacheConfig holds TTL policy per cache. ReportTTLMinutes of 0 caches
// report metadata until an explicit clear.
type CacheConfig struct {
	UserTTLMinutes   int `koanf:"user_ttl_minutes" validate:"min=1"`
	KeyTTLMinutes    int `koanf:"key_ttl_minutes" validate:"min=1"`
	ReportTTLMinutes int `koanf:"report_ttl_minutes" validate:"min=0"`
}

// Config is the resolved application configuration.
type Config struct {
	AppName     string `koanf:"app_name"`
	Environment string `koanf:"environment" validate:"oneof=development test production"`

	Server  ServerConfig  `koanf:"server"`
	Entra   EntraConfig   `koanf:"entra"`
	PowerBI PowerBIConfig `koanf:"powerbi"`
	Roles   RolesConfig   `koanf:"roles"`
	Cache   CacheConfig   `koanf:"cache"`

	HTTPTimeoutSeconds int  `koanf:"http_timeout_seconds" validate:"min=1"`
	RateLimitPerMinute int  `koanf:"rate_limit_per_minute" validate:"min=1"`
	MetricsEnabled     bool `koanf:"metrics_enabled"`

	AllowedOrigins []string `koanf:"allowed_origins"`
}

// Production reports whether the environment is production; upstream error
// detail is withheld from responses when it is.
func (c *Config) Production() bool { return c.Environment == "production" }

// HTTPTimeout returns the outbound call timeout.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// TokenLifetime returns the embed token lifetime.
func (c *Config) TokenLifetime() time.Duration {
	return time.Duration(c.PowerBI.TokenLifetimeMinutes) * time.Minute
}

// UserCacheTTL returns the enrichment cache TTL.
func (c *Config) UserCacheTTL() time.Duration {
	return time.Duration(c.Cache.UserTTLMinutes) * time.Minute
}

// KeyCacheTTL returns the signing-key cache TTL.
func (c *Config) KeyCacheTTL() time.Duration {
	return time.Duration(c.Cache.KeyTTLMinutes) * time.Minute
}

// ReportCacheTTL returns the report-metadata cache TTL; zero means entries
// live until an explicit clear.
func (c *Config) ReportCacheTTL() time.Duration {
	return time.Duration(c.Cache.ReportTTLMinutes) * time.Minute
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		AppName:     "embedauth",
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Entra: EntraConfig{
			GraphURL:   "https://graph.microsoft.com/v1.0",
			GraphScope: "https://graph.microsoft.com/.default",
		},
		PowerBI: PowerBIConfig{
			APIURL:               "https://api.powerbi.com/v1.0/myorg",
			Scope:                "https://analysis.windows.net/powerbi/api/.default",
			TokenLifetimeMinutes: 60,
		},
		Roles: RolesConfig{
			GroupMappings: map[string][]string{
				"PBI-Admin": {"Admin"},
				"PBI-RolA":  {"RoleA"},
				"PBI-RolB":  {"RoleB"},
			},
			AdminGroup:  "PBI-Admin",
			GroupPrefix: "PBI-",
		},
		Cache: CacheConfig{
			UserTTLMinutes:   15,
			KeyTTLMinutes:    60,
			ReportTTLMinutes: 0,
		},
		HTTPTimeoutSeconds: 30,
		RateLimitPerMinute: 60,
		MetricsEnabled:     true,
		AllowedOrigins: []string{
			"http://localhost:3000",
			"http://localhost:5173",
		},
	}
}

// Load assembles the configuration from defaults, an optional YAML file and
// EMBEDAUTH_* environment variables, then derives endpoint URLs and
// validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := Default()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.deriveEndpoints()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field consistency.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config: validation: %w", err)
	}
	if c.Environment != "test" && c.Entra.ClientSecret == "" {
		return fmt.Errorf("config: entra.client_secret is required outside the test environment")
	}
	return nil
}

// deriveEndpoints fills endpoint URLs from the tenant when not set
// explicitly.
func (c *Config) deriveEndpoints() {
	if c.Entra.Authority == "" && c.Entra.TenantID != "" {
		c.Entra.Authority = "https://login.microsoftonline.com/" + c.Entra.TenantID
	}
	if c.Entra.JWKSURL == "" && c.Entra.TenantID != "" {
		c.Entra.JWKSURL = fmt.Sprintf("https://login.microsoftonline.com/%s/discovery/v2.0/keys", c.Entra.TenantID)
	}
	if c.Entra.Issuer == "" && c.Entra.TenantID != "" {
		c.Entra.Issuer = fmt.Sprintf("https://sts.windows.net/%s/", c.Entra.TenantID)
	}
	if c.Entra.TokenURL == "" && c.Entra.Authority != "" {
		c.Entra.TokenURL = c.Entra.Authority + "/oauth2/v2.0/token"
	}
}

// sections are the top-level config groups used to place the first dot when
// translating environment variable names.
var sections = []string{"server", "entra", "powerbi", "roles", "cache"}

// envTransform maps EMBEDAUTH_ENTRA_TENANT_ID to entra.tenant_id,
// EMBEDAUTH_SERVER_PORT to server.port, and ungrouped keys like
// EMBEDAUTH_RATE_LIMIT_PER_MINUTE to rate_limit_per_minute.
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	for _, s := range sections {
		if rest, ok := strings.CutPrefix(key, s+"_"); ok {
			return s + "." + rest
		}
	}
	return key
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range []string{"embedauth.yaml", "config/embedauth.yaml", "/etc/embedauth/config.yaml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
