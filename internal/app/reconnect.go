package app

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultReconnectDelay    = time.Second
	defaultReconnectMaxDelay = 30 * time.Second
	defaultReconnectAttempts = 10
)

// ReconnectConfig enables reconnecting a connection whose signaling session
// dropped unexpectedly.
type ReconnectConfig struct {
	Enabled      bool
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

func (c ReconnectConfig) withDefaults() ReconnectConfig {
	if c.InitialDelay <= 0 {
		c.InitialDelay = defaultReconnectDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultReconnectMaxDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultReconnectAttempts
	}
	return c
}

// retryWithBackoff calls connect until it succeeds, the attempts run out or
// ctx is done. The delay doubles after each failure up to MaxDelay.
func retryWithBackoff(ctx context.Context, cfg ReconnectConfig, l zerolog.Logger, connect func(context.Context) error) error {
	cfg = cfg.withDefaults()
	delay := cfg.InitialDelay
	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.Info().Int("attempt", attempt).Int("max_attempts", cfg.MaxAttempts).Dur("backoff", delay).Msg("attempting reconnection")

		if err = connect(ctx); err == nil {
			l.Info().Int("attempt", attempt).Msg("reconnection successful")
			return nil
		}
		l.Warn().Err(err).Int("attempt", attempt).Msg("reconnection attempt failed")

		if attempt == cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	l.Error().Err(err).Int("max_attempts", cfg.MaxAttempts).Msg("reconnection failed after max attempts")
	return err
}
