package fbrhttp

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/httprate"
	"golang.org/x/crypto/bcrypt"

	"github.com/taxlink-pk/taxlink/internal/platform/httpx"
)

const (
	// CronPath triggers the retry sweep.
	CronPath = "/cron/retry-failed-invoices"
	// CronSecretHeader is the alternative to a bearer token.
	CronSecretHeader = "X-Cron-Secret"

	defaultCronRateLimit  = 5
	defaultCronRateWindow = time.Minute
)

// CronConfig protects the cron trigger. When SecretHash holds a bcrypt hash
// it takes precedence over Secret. With neither set every call is refused.
type CronConfig struct {
	Secret     string
	SecretHash string
	RateLimit  int
	RateWindow time.Duration
	// LimitCounter replaces the in-memory request counter, e.g. to share
	// limits between replicas or to reset them in tests.
	LimitCounter httprate.LimitCounter
}

type cronGuard struct {
	secret    [sha256.Size]byte
	hasSecret bool
	hash      []byte
	limit     func(http.Handler) http.Handler
}

func newCronGuard(cfg CronConfig, logger *slog.Logger) (*cronGuard, error) {
	g := &cronGuard{}
	switch {
	case cfg.SecretHash != "":
		if _, err := bcrypt.Cost([]byte(cfg.SecretHash)); err != nil {
			return nil, fmt.Errorf("fbrhttp: invalid cron secret hash: %w", err)
		}
		g.hash = []byte(cfg.SecretHash)
	case cfg.Secret != "":
		g.secret = sha256.Sum256([]byte(cfg.Secret))
		g.hasSecret = true
	default:
		logger.Warn("cron secret not configured; retry trigger will reject every call")
	}

	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultCronRateLimit
	}
	window := cfg.RateWindow
	if window <= 0 {
		window = defaultCronRateWindow
	}
	opts := []httprate.Option{
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			logger.Warn("cron trigger rate limited", slog.String("remote", r.RemoteAddr))
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests",
				fmt.Sprintf("at most %d calls per %s", limit, window))
		}),
	}
	if cfg.LimitCounter != nil {
		opts = append(opts, httprate.WithLimitCounter(cfg.LimitCounter))
	}
	g.limit = httprate.Limit(limit, window, opts...)
	return g, nil
}

// authorize compares the presented secret in constant time.
func (g *cronGuard) authorize(r *http.Request) bool {
	presented := presentedSecret(r)
	if presented == "" {
		return false
	}
	if g.hash != nil {
		return bcrypt.CompareHashAndPassword(g.hash, []byte(presented)) == nil
	}
	if !g.hasSecret {
		return false
	}
	digest := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(digest[:], g.secret[:]) == 1
}

func presentedSecret(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get(CronSecretHeader))
}

func (h *Handler) handleCron(w http.ResponseWriter, r *http.Request) {
	if !h.cron.authorize(r) {
		h.logger.Warn("cron trigger unauthorized", slog.String("remote", r.RemoteAddr))
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing or invalid cron secret")
		return
	}
	if h.sweeper == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Retry Sweep Unavailable", "")
		return
	}
	summary, err := h.sweeper.ProcessAllPendingRetries(r.Context())
	if err != nil {
		h.logger.Error("retry sweep failed", slog.Any("error", err))
		httpx.RespondError(w, err, h.respondOpts...)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}
