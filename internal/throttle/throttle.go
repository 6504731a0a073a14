// Package throttle paces outbound commands to stay inside the server's
// flood limit.
package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AoiTakara/fchatlib/internal/proto"
	"github.com/AoiTakara/fchatlib/internal/validate"
)

// DefaultFloodLimit is the minimum spacing between sends until the server
// pushes its own value.
const DefaultFloodLimit = 2.0

// SendFunc performs the actual unthrottled write of one wire frame.
type SendFunc func(ctx context.Context, frame string) error

// Throttler serializes outbound sends. Each caller computes its own wait
// from the dispatch window visible at call time, then sleeps without
// blocking other callers' bookkeeping.
//
// The window is tracked in whole seconds. Bursts inside the same second
// are under-penalized and the computed wait can come out zero or negative;
// this matches the server-observed pacing and is kept deliberately. Waits
// below zero are clamped to no sleep.
type Throttler struct {
	mu           sync.Mutex
	lastDispatch int64
	inFlight     int
	floodLimit   float64

	send      SendFunc
	validator *validate.Validator
	log       zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Throttler in front of send.
func New(send SendFunc, validator *validate.Validator, logger zerolog.Logger) *Throttler {
	return &Throttler{
		floodLimit: DefaultFloodLimit,
		send:       send,
		validator:  validator,
		log:        logger.With().Str("component", "throttle").Logger(),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// FloodLimit reports the current minimum spacing in seconds.
func (t *Throttler) FloodLimit() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.floodLimit
}

// SetFloodLimit replaces the spacing, typically from a server VAR push.
func (t *Throttler) SetFloodLimit(seconds float64) {
	if seconds <= 0 {
		return
	}
	t.mu.Lock()
	t.floodLimit = seconds
	t.mu.Unlock()
	t.log.Info().Float64("flood_limit", seconds).Msg("flood limit updated")
}

// Send validates payload, waits out the flood window, and writes one frame.
// A validation failure drops the send before any transport write. A dropped
// transport write is reported to the caller, never retried.
func (t *Throttler) Send(ctx context.Context, verb string, payload any) error {
	if payload != nil {
		if err := t.validator.Struct(payload); err != nil {
			if verr, ok := validate.AsError(err); ok {
				for _, issue := range verr.Issues {
					t.log.Warn().
						Str("verb", verb).
						Str("path", issue.Path).
						Str("code", issue.Code).
						Msg(issue.Message)
				}
			}
			return err
		}
	}

	frame, err := proto.Frame(verb, payload)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.inFlight++
	elapsed := float64(t.now().Unix() - t.lastDispatch)
	var wait float64
	if elapsed < t.floodLimit {
		wait = float64(t.inFlight)*t.floodLimit - elapsed
	}
	t.mu.Unlock()

	if wait > 0 {
		if err := t.sleep(ctx, time.Duration(wait*float64(time.Second))); err != nil {
			t.mu.Lock()
			t.inFlight--
			t.mu.Unlock()
			return err
		}
	}

	t.mu.Lock()
	t.lastDispatch = t.now().Unix()
	t.inFlight--
	t.mu.Unlock()

	return t.send(ctx, frame)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
