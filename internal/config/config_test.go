package config

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("KEYSVC_AUTH_JWT_SECRET", "jwt")
	t.Setenv("KEYSVC_AUTH_SERVICE_KEY", "svc")
	t.Setenv("KEYSVC_HWID_SECRET", "hw")
}

// unset removes vars for the test; t.Setenv restores them afterwards.
func unset(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)
	unset(t, "DATABASE_URL", "PORT", "KEYSVC_DATABASE_URL", "KEYSVC_PORT", "LOG_LEVEL", "TIMEZONE", "API_KEY", "SECRET",
		"BASE_URL", "KEYSVC_BASE_URL", "RETURN_URL", "KEYSVC_PAKASIR_RETURN_URL")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, 15*time.Minute, cfg.Auth.TokenTTL)
	assert.Equal(t, 10*time.Second, cfg.Pakasir.Timeout)
	assert.Equal(t, "https://api.pakasir.com", cfg.Pakasir.APIURL)
	assert.Equal(t, "http://localhost:8080/payment/success", cfg.Pakasir.ReturnURL)
	assert.False(t, cfg.Webhook.RequireSignature)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, time.UTC, cfg.Location())

	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)
}

func TestLoad_BareHostingVariables(t *testing.T) {
	setRequired(t)
	unset(t, "KEYSVC_DATABASE_URL", "KEYSVC_PORT")
	t.Setenv("DATABASE_URL", "postgres://prod/db")
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://prod/db", cfg.DatabaseURL)
	assert.Equal(t, 9090, cfg.Port)

	t.Setenv("KEYSVC_PORT", "7070")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port, "prefixed variable wins")
}

func TestLoad_BadPort(t *testing.T) {
	setRequired(t)
	unset(t, "KEYSVC_PORT")
	t.Setenv("PORT", "http")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_WebhookSecretFallsBackToAPIKey(t *testing.T) {
	setRequired(t)
	t.Setenv("KEYSVC_PAKASIR_API_KEY", "pk_live")
	t.Setenv("KEYSVC_WEBHOOK_REQUIRE_SIGNATURE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "pk_live", cfg.Webhook.Secret)
	assert.True(t, cfg.Webhook.RequireSignature)
}

func TestLoad_ReturnURL(t *testing.T) {
	setRequired(t)
	unset(t, "RETURN_URL", "KEYSVC_PAKASIR_RETURN_URL")
	t.Setenv("KEYSVC_BASE_URL", "https://keys.example/")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://keys.example/payment/success", cfg.Pakasir.ReturnURL)

	t.Setenv("KEYSVC_PAKASIR_RETURN_URL", "https://shop.example/thanks")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example/thanks", cfg.Pakasir.ReturnURL)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"missing secrets":          {"KEYSVC_AUTH_JWT_SECRET": ""},
		"signature without secret": {"KEYSVC_WEBHOOK_REQUIRE_SIGNATURE": "true"},
		"bad timezone":             {"KEYSVC_TIMEZONE": "Mars/Olympus"},
		"bad sweep hour":           {"KEYSVC_SWEEP_HOUR": "24"},
		"bad log level":            {"KEYSVC_LOG_LEVEL": "loud"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			setRequired(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLocation(t *testing.T) {
	cfg := &Config{Timezone: "Asia/Jakarta"}
	loc := cfg.Location()
	assert.Equal(t, "Asia/Jakarta", loc.String())
}
