package app

import (
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/taxlink-pk/taxlink/internal/fbr"
	fbrhttp "github.com/taxlink-pk/taxlink/internal/fbr/http"
	"github.com/taxlink-pk/taxlink/internal/fbr/pral"
	"github.com/taxlink-pk/taxlink/internal/fbr/reference"
	"github.com/taxlink-pk/taxlink/internal/fbr/retry"
	"github.com/taxlink-pk/taxlink/internal/fbr/submission"
	"github.com/taxlink-pk/taxlink/internal/fbr/tokens"
	"github.com/taxlink-pk/taxlink/internal/fbr/transform"
	"github.com/taxlink-pk/taxlink/internal/invoicing"
	"github.com/taxlink-pk/taxlink/internal/shared"
)

// FBR bundles the submission components shared by every binary.
type FBR struct {
	Repository  *invoicing.Repository
	Tokens      *tokens.Resolver
	Submissions *submission.Service
	Sweeper     *retry.Sweeper
	Reference   *reference.Cache
	Idempotency *shared.IdempotencyStore
}

// NewFBR wires the submission pipeline on top of the shared pool and Redis
// client. A nil registerer uses the default Prometheus registerer.
func NewFBR(cfg *Config, pool *pgxpool.Pool, redisClient *redis.Client, registerer prometheus.Registerer, logger *slog.Logger) (*FBR, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: config required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	repo := invoicing.NewRepository(pool)
	resolver := tokens.NewResolver(repo, tokens.NewMemoryCache(), cfg.FBRTokenCacheTTL, logger)
	transformer := transform.New(
		transform.WithDefaultHSCode(cfg.FBRDefaultHSCode),
		transform.WithDefaultUoM(cfg.FBRDefaultUoM),
	)
	base := pral.Config{
		BaseURL: cfg.FBRBaseURL,
		Timeout: cfg.FBRHTTPTimeout,
		Logger:  logger,
	}
	service := submission.NewService(repo, transformer, resolver, submission.NewPRALFactory(base), submission.Config{
		LockTTL:        cfg.FBRLockTTL,
		Backoff:        submission.Backoff{Base: cfg.FBRRetryBaseDelay, Max: cfg.FBRRetryMaxDelay},
		PermanentCodes: submission.ParsePermanentCodes(cfg.FBRPermanentCodes),
		MaxRetries:     cfg.FBRMaxRetries,
	}, submission.NewMetrics(registerer), logger)
	sweeper := retry.NewSweeper(repo, service, retry.Config{
		BatchSize:   cfg.FBRRetryBatch,
		Concurrency: cfg.FBRRetryConcurrency,
	}, logger)

	// Reference lookups are public; the environment only labels the client.
	refCfg := base
	refCfg.Environment = fbr.Production
	refClient, err := pral.NewClient(refCfg)
	if err != nil {
		return nil, fmt.Errorf("app: reference client: %w", err)
	}

	return &FBR{
		Repository:  repo,
		Tokens:      resolver,
		Submissions: service,
		Sweeper:     sweeper,
		Reference:   reference.NewCache(redisClient, refClient, cfg.FBRReferenceTTL, logger),
		Idempotency: shared.NewIdempotencyStore(pool),
	}, nil
}

// HandlerParams maps the components onto the HTTP handler dependencies.
func (f *FBR) HandlerParams(cfg *Config, enqueuer fbrhttp.SubmitEnqueuer, logger *slog.Logger) fbrhttp.Params {
	return fbrhttp.Params{
		Logger:      logger,
		Submitter:   f.Submissions,
		Retries:     f.Sweeper,
		Sweeper:     f.Sweeper,
		Reference:   f.Reference,
		Idempotency: f.Idempotency,
		Enqueuer:    enqueuer,
		Cron: fbrhttp.CronConfig{
			Secret:     cfg.CronSecret,
			SecretHash: cfg.CronSecretHash,
			RateLimit:  cfg.CronRateLimit,
		},
		ExposeInternalErrors: !cfg.IsProduction(),
	}
}
