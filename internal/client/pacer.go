package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Pacer spaces outbound calls against a single global rate budget and
// retries throttled ones. Every call pays the base delay up front, including
// the first of a sequence; a throttling response costs a full cooldown before
// the next attempt. Retries are an explicit bounded loop, not recursion.
type Pacer struct {
	Delay      time.Duration
	Cooldown   time.Duration
	MaxRetries int

	log *slog.Logger
}

func NewPacer(delay, cooldown time.Duration, maxRetries int, log *slog.Logger) *Pacer {
	if log == nil {
		log = slog.Default()
	}
	return &Pacer{
		Delay:      delay,
		Cooldown:   cooldown,
		MaxRetries: maxRetries,
		log:        log,
	}
}

// Do runs fn once per attempt until it succeeds, fails with a non-throttle
// error, or exhausts the retry budget. The last throttle error is returned
// when the budget runs out.
func (p *Pacer) Do(ctx context.Context, fn func() error) error {
	retriesLeft := p.MaxRetries
	for {
		if err := p.wait(ctx, p.Delay); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTooManyRequests {
			return err
		}
		if retriesLeft <= 0 {
			return err
		}
		retriesLeft--

		p.log.Warn("rate limit hit, cooling down before retry",
			"cooldown", p.Cooldown, "retries_left", retriesLeft)
		if err := p.wait(ctx, p.Cooldown); err != nil {
			return err
		}
	}
}

func (p *Pacer) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
