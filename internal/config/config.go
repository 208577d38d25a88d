// Package config loads the gateway settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Region   string `mapstructure:"aws_region"`
	LogLevel string `mapstructure:"log_level"`

	QRegion   string `mapstructure:"amazon_q_region"`
	QAppID    string `mapstructure:"amazon_q_app_id"`
	QEndpoint string `mapstructure:"amazon_q_endpoint"`

	StateTable    string `mapstructure:"oidc_state_table_name"`
	SessionTable  string `mapstructure:"iam_session_table_name"`
	CacheTable    string `mapstructure:"cache_table_name"`
	MetadataTable string `mapstructure:"message_metadata_table_name"`

	IdPName           string `mapstructure:"oidc_idp_name"`
	IssuerURL         string `mapstructure:"oidc_issuer_url"`
	ClientID          string `mapstructure:"oidc_client_id"`
	ClientSecretParam string `mapstructure:"oidc_client_secret_param"`
	RedirectURL       string `mapstructure:"oidc_redirect_url"`

	KeyARN         string `mapstructure:"key_arn"`
	RoleARN        string `mapstructure:"q_user_api_role_arn"`
	GatewayIdCApp  string `mapstructure:"gateway_idc_app_arn"`
	IdCRegion      string `mapstructure:"aws_iam_idc_region"`
	SlackSecretKey string `mapstructure:"slack_secret_param"`

	ContextDaysToLive  int           `mapstructure:"context_days_to_live"`
	FlushThreshold     int           `mapstructure:"stream_flush_threshold"`
	SessionExpirySkew  time.Duration `mapstructure:"session_expiry_skew"`
	RetainRefreshToken bool          `mapstructure:"retain_refresh_token"`
}

var keys = []string{
	"aws_region", "log_level",
	"amazon_q_region", "amazon_q_app_id", "amazon_q_endpoint",
	"oidc_state_table_name", "iam_session_table_name", "cache_table_name", "message_metadata_table_name",
	"oidc_idp_name", "oidc_issuer_url", "oidc_client_id", "oidc_client_secret_param", "oidc_redirect_url",
	"key_arn", "q_user_api_role_arn", "gateway_idc_app_arn", "aws_iam_idc_region", "slack_secret_param",
	"context_days_to_live", "stream_flush_threshold", "session_expiry_skew", "retain_refresh_token",
}

// Load reads the configuration from environment variables named after the
// upper-cased keys.
func Load() (*Config, error) {
	v := viper.New()
	v.SetDefault("log_level", "info")
	v.SetDefault("context_days_to_live", 90)
	v.SetDefault("stream_flush_threshold", 75)
	v.SetDefault("session_expiry_skew", "2m")
	v.SetDefault("retain_refresh_token", true)

	v.AutomaticEnv()
	for _, k := range keys {
		if err := v.BindEnv(k, strings.ToUpper(k)); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", k, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.QRegion == "" {
		cfg.QRegion = cfg.Region
	}
	if cfg.IdCRegion == "" {
		cfg.IdCRegion = cfg.Region
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	required := map[string]string{
		"AWS_REGION":                  c.Region,
		"AMAZON_Q_APP_ID":             c.QAppID,
		"OIDC_STATE_TABLE_NAME":       c.StateTable,
		"IAM_SESSION_TABLE_NAME":      c.SessionTable,
		"CACHE_TABLE_NAME":            c.CacheTable,
		"MESSAGE_METADATA_TABLE_NAME": c.MetadataTable,
		"OIDC_IDP_NAME":               c.IdPName,
		"OIDC_ISSUER_URL":             c.IssuerURL,
		"OIDC_CLIENT_ID":              c.ClientID,
		"OIDC_CLIENT_SECRET_PARAM":    c.ClientSecretParam,
		"OIDC_REDIRECT_URL":           c.RedirectURL,
		"KEY_ARN":                     c.KeyARN,
		"Q_USER_API_ROLE_ARN":         c.RoleARN,
		"GATEWAY_IDC_APP_ARN":         c.GatewayIdCApp,
		"SLACK_SECRET_PARAM":          c.SlackSecretKey,
	}
	var missing []string
	for name, val := range required {
		if strings.TrimSpace(val) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}

	if c.ContextDaysToLive <= 0 {
		return fmt.Errorf("invalid CONTEXT_DAYS_TO_LIVE: %d", c.ContextDaysToLive)
	}
	if c.FlushThreshold <= 0 {
		return fmt.Errorf("invalid STREAM_FLUSH_THRESHOLD: %d", c.FlushThreshold)
	}
	if c.SessionExpirySkew <= 0 {
		return fmt.Errorf("invalid SESSION_EXPIRY_SKEW: %s", c.SessionExpirySkew)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// ContextTTL is how long conversation contexts and message metadata live.
func (c *Config) ContextTTL() time.Duration {
	return time.Duration(c.ContextDaysToLive) * 24 * time.Hour
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, errors.New("invalid LOG_LEVEL: " + c.LogLevel)
	}
	return l, nil
}
