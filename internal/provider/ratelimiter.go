// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package provider

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiterConfig tunes the request pacing and retry behavior wrapped
// around a Provider's Stream call.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstCapacity     int
	MaxRetries        uint
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	Logger            *zap.Logger
}

func (c RateLimiterConfig) withDefaults() RateLimiterConfig {
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 2
	}
	if c.BurstCapacity <= 0 {
		c.BurstCapacity = 4
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// RateLimiter paces calls to a Provider and retries transient
// throttling/server errors with exponential backoff. It wraps a plain
// token bucket (golang.org/x/time/rate) rather than the hand-rolled
// sliding-window counter the original client had, and leaves the
// retry/backoff arithmetic itself to backoff/v5 instead of
// reimplementing it.
type RateLimiter struct {
	cfg     RateLimiterConfig
	limiter *rate.Limiter
	logger  *zap.Logger

	mu               sync.Mutex
	throttledCount   int
	succeededCount   int
	exhaustedRetries int
}

// NewRateLimiter constructs a limiter from cfg, filling in defaults for
// any zero fields.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	cfg = cfg.withDefaults()
	return &RateLimiter{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstCapacity),
		logger:  cfg.Logger.Named("provider.ratelimiter"),
	}
}

// retryableError marks an error as eligible for backoff retry; any
// other error returned by call is treated as permanent.
type retryableError struct{ err error }

func (r retryableError) Error() string { return r.err.Error() }
func (r retryableError) Unwrap() error { return r.err }

// isThrottling recognizes throttling/overload/server-busy errors by
// substring, mirroring how the SDK surfaces rate-limit responses in
// error text rather than a typed sentinel.
func isThrottling(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"rate limit", "429", "overloaded", "too many requests", "503", "529"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// Do waits for a token bucket slot, then runs call, retrying
// throttling errors with exponential backoff up to cfg.MaxRetries.
func (r *RateLimiter) Do(ctx context.Context, call func(ctx context.Context) error) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	operation := func() (struct{}, error) {
		err := call(ctx)
		if err == nil {
			r.mu.Lock()
			r.succeededCount++
			r.mu.Unlock()
			return struct{}{}, nil
		}
		if isThrottling(err) {
			r.mu.Lock()
			r.throttledCount++
			r.mu.Unlock()
			r.logger.Warn("provider call throttled, retrying", zap.Error(err))
			return struct{}{}, retryableError{err: err}
		}
		return struct{}{}, backoff.Permanent(err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.InitialBackoff
	eb.MaxInterval = r.cfg.MaxBackoff

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(r.cfg.MaxRetries+1),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if !errors.As(err, &perm) {
			r.mu.Lock()
			r.exhaustedRetries++
			r.mu.Unlock()
		}
		return err
	}
	return nil
}

// Metrics is a point-in-time snapshot of limiter activity.
type Metrics struct {
	Succeeded        int
	Throttled        int
	ExhaustedRetries int
}

func (r *RateLimiter) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Metrics{
		Succeeded:        r.succeededCount,
		Throttled:        r.throttledCount,
		ExhaustedRetries: r.exhaustedRetries,
	}
}
