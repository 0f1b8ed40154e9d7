package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-karma/config"
	"github.com/tcriess/lightspeed-karma/types"
)

// Retrier runs storage operations with exponential backoff. Validation and not-found errors
// are final; anything else is treated as a transient backend failure and, once the attempts
// are used up, reported as types.ErrStorageUnavailable.
type Retrier struct {
	MaxTries        uint
	InitialInterval time.Duration
	Logger          hclog.Logger
}

// NewRetrier takes the retry policy from the karma configuration.
func NewRetrier(cfg config.KarmaConfig, logger hclog.Logger) Retrier {
	return Retrier{
		MaxTries:        cfg.RetryMaxTries,
		InitialInterval: cfg.RetryInitialInterval,
		Logger:          logger,
	}
}

// Do calls fn until it succeeds, fails with a final error, ctx is done or the attempts are
// used up.
func (r Retrier) Do(ctx context.Context, op string, fn func() error) error {
	logger := r.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	b := backoff.NewExponentialBackOff()
	if r.InitialInterval > 0 {
		b.InitialInterval = r.InitialInterval
	}
	maxTries := r.MaxTries
	if maxTries == 0 {
		maxTries = 1
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err != nil && isFinal(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("storage operation failed, retrying", "op", op, "next", next, "error", err)
		}),
	)
	if err == nil || isFinal(err) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	logger.Error("storage operation failed", "op", op, "error", err)
	return fmt.Errorf("%w: %s: %w", types.ErrStorageUnavailable, op, err)
}

func isFinal(err error) bool {
	return errors.Is(err, types.ErrValidation) || errors.Is(err, types.ErrNotFound)
}
