package generation

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/logger"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/models"
)

type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Retrying retries KindUnavailable failures with exponential backoff.
// KindInvalidInput is returned immediately.
type Retrying struct {
	next Generator
	cfg  RetryConfig
	log  *logger.Logger
}

func NewRetrying(next Generator, cfg RetryConfig, log *logger.Logger) *Retrying {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Retrying{next: next, cfg: cfg, log: log.With("component", "generation.retry")}
}

func (r *Retrying) Generate(ctx context.Context, snap models.ConfigurationSnapshot) (models.GeneratedContent, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.InitialInterval
	eb.MaxInterval = r.cfg.MaxInterval
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.cfg.MaxAttempts-1)), ctx)

	var (
		out     models.GeneratedContent
		attempt int
	)
	err := backoff.Retry(func() error {
		attempt++
		content, err := r.next.Generate(ctx, snap)
		if err == nil {
			out = content
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		r.log.Warn("generation attempt failed", "tenant_id", snap.TenantID, "attempt", attempt, "max_attempts", r.cfg.MaxAttempts, "error", err)
		return err
	}, policy)
	if err != nil {
		if KindOf(err) == "" {
			// ctx ended between attempts
			return models.GeneratedContent{}, Unavailable("retry", err)
		}
		return models.GeneratedContent{}, err
	}
	return out, nil
}
