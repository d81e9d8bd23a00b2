package order

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderhub/internal/domain"
)

// RetryConfig конфигурация повторов единицы работы при временных сбоях хранилища.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  20 * time.Millisecond,
		MaxDelay:      500 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func (c RetryConfig) normalize() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 1
	}
	return c
}

// retrier повторяет операцию только при domain.ErrTransient.
// Бизнес-ошибки возвращаются сразу: их повтор ничего не изменит.
type retrier struct {
	config RetryConfig
	logger *log.Entry
}

func (r retrier) do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	delay := r.config.InitialDelay

	var err error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || !domain.IsTransient(err) {
			return err
		}
		if attempt == r.config.MaxAttempts || ctx.Err() != nil {
			break
		}

		r.logger.WithError(err).WithFields(log.Fields{
			"operation": operation,
			"attempt":   attempt,
			"delay":     delay,
		}).Warn("transient failure, retrying")

		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * r.config.BackoffFactor)
		if delay > r.config.MaxDelay {
			delay = r.config.MaxDelay
		}
	}

	return err
}
