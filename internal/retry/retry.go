// Package retry executes fallible operations with exponential backoff and
// symmetric jitter.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"time"
)

// Defaults matching the coordinator's delivery retry policy.
var DefaultSchedule = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}

const (
	DefaultMaxAttempts  = 3
	DefaultMaxBackoff   = 30 * time.Second
	DefaultJitterFactor = 0.2
)

// Policy holds the retry tuning knobs. The zero value is unusable; use
// NewPolicy or fill every field.
type Policy struct {
	Schedule     []time.Duration
	MaxAttempts  int
	MaxBackoff   time.Duration
	JitterFactor float64
}

// NewPolicy returns the default policy.
func NewPolicy() Policy {
	return Policy{
		Schedule:     DefaultSchedule,
		MaxAttempts:  DefaultMaxAttempts,
		MaxBackoff:   DefaultMaxBackoff,
		JitterFactor: DefaultJitterFactor,
	}
}

// ShouldRetry reports whether another attempt is allowed after the given
// zero-based attempt count.
func (p Policy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

// Backoff returns the sleep before retrying after the given zero-based
// attempt: the scheduled base delay (doubling past the end of the
// schedule), capped at MaxBackoff, with symmetric jitter applied. The
// result never exceeds MaxBackoff * (1 + JitterFactor).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 || len(p.Schedule) == 0 {
		return 0
	}

	var base time.Duration
	if attempt < len(p.Schedule) {
		base = p.Schedule[attempt]
	} else {
		base = p.Schedule[len(p.Schedule)-1]
		for i := len(p.Schedule); i <= attempt; i++ {
			base *= 2
			if base >= p.MaxBackoff {
				break
			}
		}
	}
	if p.MaxBackoff > 0 && base > p.MaxBackoff {
		base = p.MaxBackoff
	}
	if p.JitterFactor <= 0 {
		return base
	}

	// jitter in [-factor, +factor]
	jitter := (randomFloat()*2 - 1) * p.JitterFactor
	d := time.Duration(float64(base) * (1 + jitter))
	if d < 0 {
		d = 0
	}
	return d
}

func randomFloat() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53)
}

// Attempt records one execution attempt.
type Attempt struct {
	Number  int           `json:"number"`
	Error   string        `json:"error,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"`
	At      time.Time     `json:"at"`
	Success bool          `json:"success"`
}

// Result is the outcome of Execute.
type Result struct {
	Success  bool          `json:"success"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
	History  []Attempt     `json:"history"`
}

// Callbacks observe the retry loop. Each is optional; a panic inside a
// callback is recovered and logged, never aborting the loop.
type Callbacks struct {
	OnRetry      func(err error, attempt int, delay time.Duration)
	OnSuccess    func(attempts int)
	OnFinalError func(err error, attempts int)
}

// Execute runs fn until it succeeds or the policy's attempt budget is
// spent, sleeping the backoff between attempts. ctx cancels the sleep
// but never the in-flight fn call.
func (p Policy) Execute(ctx context.Context, fn func(attempt int) error, cb Callbacks) Result {
	start := time.Now()
	res := Result{}

	for attempt := 0; p.ShouldRetry(attempt); attempt++ {
		err := fn(attempt)
		res.Attempts = attempt + 1

		if err == nil {
			res.History = append(res.History, Attempt{Number: attempt, At: time.Now(), Success: true})
			res.Success = true
			res.Duration = time.Since(start)
			safeCall(func() { cb.OnSuccess(res.Attempts) }, cb.OnSuccess == nil)
			return res
		}

		res.Err = err
		record := Attempt{Number: attempt, Error: err.Error(), At: time.Now()}
		if p.ShouldRetry(attempt + 1) {
			delay := p.Backoff(attempt)
			record.Delay = delay
			res.History = append(res.History, record)
			safeCall(func() { cb.OnRetry(err, attempt, delay) }, cb.OnRetry == nil)

			select {
			case <-ctx.Done():
				res.Duration = time.Since(start)
				res.Err = ctx.Err()
				safeCall(func() { cb.OnFinalError(res.Err, res.Attempts) }, cb.OnFinalError == nil)
				return res
			case <-time.After(delay):
			}
			continue
		}
		res.History = append(res.History, record)
	}

	res.Duration = time.Since(start)
	safeCall(func() { cb.OnFinalError(res.Err, res.Attempts) }, cb.OnFinalError == nil)
	return res
}

func safeCall(fn func(), skip bool) {
	if skip {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("retry callback panicked", "panic", r)
		}
	}()
	fn()
}
