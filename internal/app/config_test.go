package app

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taxlink-pk/taxlink/internal/observability"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, 3, cfg.FBRMaxRetries)
	require.Equal(t, 2*time.Minute, cfg.FBRRetryBaseDelay)
	require.Equal(t, 6*time.Hour, cfg.FBRRetryMaxDelay)
	require.Equal(t, "0002,0005,0019,0052", cfg.FBRPermanentCodes)
	require.Equal(t, "@every 5m", cfg.CronSweepSpec)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsInvalidRetrySettings(t *testing.T) {
	t.Setenv("FBR_MAX_RETRIES", "0")
	t.Setenv("FBR_RETRY_BASE_DELAY", "2h")
	t.Setenv("FBR_RETRY_MAX_DELAY", "1h")
	_, err := LoadConfig()
	require.ErrorContains(t, err, "FBR_MAX_RETRIES")
	require.ErrorContains(t, err, "FBR_RETRY_BASE_DELAY")
}

func TestLoadConfigRequiresCronSecretInProduction(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("CRON_SECRET", "")
	t.Setenv("CRON_SECRET_HASH", "")
	_, err := LoadConfig()
	require.ErrorContains(t, err, "CRON_SECRET")

	t.Setenv("CRON_SECRET", "s3cret")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.True(t, cfg.IsProduction())
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, "DEBUG", parseLevel("debug").String())
	require.Equal(t, "INFO", parseLevel("nonsense").String())
}

func TestRouterProbes(t *testing.T) {
	ready := errors.New("postgres unreachable")
	router := NewRouter(RouterParams{
		Config:  &Config{AppEnv: "development"},
		Metrics: observability.NewMetrics(),
		Ready:   func(*http.Request) error { return ready },
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ready = nil
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `taxlink_http_requests_total{code="200",route="/healthz"} 1`)
}
