// Package backoff computes retry delays.
package backoff

import (
	"context"
	"math"
	"time"

	"github.com/benbjohnson/clock"
)

// Strategy maps a retry count onto a delay before the next attempt.
type Strategy interface {
	Delay(retryCount int) time.Duration
}

type exponential struct {
	base  time.Duration
	limit time.Duration
}

// NewExponential returns min(base * 2^retryCount, limit). A zero limit caps at the largest
// Duration.
func NewExponential(base, limit time.Duration) Strategy {
	return exponential{base: base, limit: limit}
}

func (e exponential) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := math.Pow(2, float64(retryCount)) * float64(e.base)
	if e.limit > 0 && d >= float64(e.limit) {
		return e.limit
	}
	if d >= math.MaxInt64 {
		return math.MaxInt64
	}
	return time.Duration(d)
}

type linear struct {
	base  time.Duration
	limit time.Duration
}

// NewLinear returns min(base * (retryCount+1), limit).
func NewLinear(base, limit time.Duration) Strategy {
	return linear{base: base, limit: limit}
}

func (l linear) Delay(retryCount int) time.Duration {
	d := time.Duration(retryCount+1) * l.base
	if l.limit > 0 && d > l.limit {
		return l.limit
	}
	return d
}

// Wait sleeps for d on clk or returns early with ctx's error.
func Wait(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
