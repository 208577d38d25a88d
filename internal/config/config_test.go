package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	for k, v := range map[string]string{
		"AWS_REGION":                  "us-east-1",
		"AMAZON_Q_APP_ID":             "app-1",
		"OIDC_STATE_TABLE_NAME":       "state",
		"IAM_SESSION_TABLE_NAME":      "sessions",
		"CACHE_TABLE_NAME":            "cache",
		"MESSAGE_METADATA_TABLE_NAME": "metadata",
		"OIDC_IDP_NAME":               "okta",
		"OIDC_ISSUER_URL":             "https://example.okta.com",
		"OIDC_CLIENT_ID":              "client",
		"OIDC_CLIENT_SECRET_PARAM":    "/gateway/oidc",
		"OIDC_REDIRECT_URL":           "https://api.example.com/oidc/callback",
		"KEY_ARN":                     "arn:aws:kms:us-east-1:111122223333:key/k1",
		"Q_USER_API_ROLE_ARN":         "arn:aws:iam::111122223333:role/q-user",
		"GATEWAY_IDC_APP_ARN":         "arn:aws:sso::111122223333:application/ssoins-1/apl-1",
		"SLACK_SECRET_PARAM":          "/gateway/slack",
	} {
		t.Setenv(k, v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "us-east-1", cfg.Region)
	require.Equal(t, "us-east-1", cfg.QRegion)
	require.Equal(t, "us-east-1", cfg.IdCRegion)
	require.Equal(t, 90, cfg.ContextDaysToLive)
	require.Equal(t, 90*24*time.Hour, cfg.ContextTTL())
	require.Equal(t, 75, cfg.FlushThreshold)
	require.Equal(t, 2*time.Minute, cfg.SessionExpirySkew)
	require.True(t, cfg.RetainRefreshToken)
	require.Empty(t, cfg.QEndpoint)

	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	require.Equal(t, slog.LevelInfo, lvl)
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("AMAZON_Q_REGION", "us-west-2")
	t.Setenv("AMAZON_Q_ENDPOINT", "https://q.example.com")
	t.Setenv("AWS_IAM_IDC_REGION", "eu-west-1")
	t.Setenv("CONTEXT_DAYS_TO_LIVE", "7")
	t.Setenv("STREAM_FLUSH_THRESHOLD", "200")
	t.Setenv("SESSION_EXPIRY_SKEW", "30s")
	t.Setenv("RETAIN_REFRESH_TOKEN", "false")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "us-west-2", cfg.QRegion)
	require.Equal(t, "https://q.example.com", cfg.QEndpoint)
	require.Equal(t, "eu-west-1", cfg.IdCRegion)
	require.Equal(t, 7*24*time.Hour, cfg.ContextTTL())
	require.Equal(t, 200, cfg.FlushThreshold)
	require.Equal(t, 30*time.Second, cfg.SessionExpirySkew)
	require.False(t, cfg.RetainRefreshToken)

	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, lvl)
}

func TestLoad_MissingRequired(t *testing.T) {
	setRequired(t)
	t.Setenv("KEY_ARN", "")
	t.Setenv("OIDC_CLIENT_ID", " ")

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "KEY_ARN")
	require.Contains(t, err.Error(), "OIDC_CLIENT_ID")
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := []struct{ key, value string }{
		{"CONTEXT_DAYS_TO_LIVE", "0"},
		{"STREAM_FLUSH_THRESHOLD", "-1"},
		{"LOG_LEVEL", "loud"},
		{"SESSION_EXPIRY_SKEW", "0s"},
		{"SESSION_EXPIRY_SKEW", "-1m"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			require.Error(t, err)
		})
	}
}
