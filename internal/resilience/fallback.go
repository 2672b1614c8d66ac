package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Fallback pairs a primary operation with a degraded alternative, each
// guarded by its own [CircuitBreaker]. The voice pipeline uses it to drop
// from streaming TTS to buffered HTTP synthesis when the streaming provider
// is misbehaving, and to signal text-mode degradation when both fail.
type Fallback[T any] struct {
	name     string
	primary  *CircuitBreaker
	fallback *CircuitBreaker
}

// NewFallback creates a [Fallback] whose primary and fallback slots each get
// a breaker configured with cfg (the Name field is suffixed per slot).
func NewFallback[T any](name string, cfg Config) *Fallback[T] {
	pcfg := cfg
	pcfg.Name = name + "/primary"
	fcfg := cfg
	fcfg.Name = name + "/fallback"
	return &Fallback[T]{
		name:     name,
		primary:  NewCircuitBreaker(pcfg),
		fallback: NewCircuitBreaker(fcfg),
	}
}

// Do runs primary, and on any failure (including an open breaker) runs
// fallback. It returns the first successful result along with degraded=true
// when the fallback produced it. When both fail the errors are joined.
func (f *Fallback[T]) Do(ctx context.Context, primary, fallback func(ctx context.Context) (T, error)) (result T, degraded bool, err error) {
	var primaryErr error
	err = f.primary.Execute(func() error {
		var e error
		result, e = primary(ctx)
		return e
	})
	if err == nil {
		return result, false, nil
	}
	primaryErr = err

	if ctx.Err() != nil {
		return result, false, ctx.Err()
	}

	slog.Warn("primary failed, trying fallback", "name", f.name, "error", primaryErr)

	err = f.fallback.Execute(func() error {
		var e error
		result, e = fallback(ctx)
		return e
	})
	if err == nil {
		return result, true, nil
	}

	return result, false, fmt.Errorf("resilience: %s: all paths failed: %w", f.name, errors.Join(primaryErr, err))
}

// PrimaryState reports the primary slot's breaker state.
func (f *Fallback[T]) PrimaryState() State { return f.primary.State() }

// FallbackState reports the fallback slot's breaker state.
func (f *Fallback[T]) FallbackState() State { return f.fallback.State() }
