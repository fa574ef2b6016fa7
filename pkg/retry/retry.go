package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

var (
	ErrAttemptsExhausted = errors.New("retry attempts exhausted")
	ErrContextCanceled   = errors.New("context canceled during retry")
)

// Policy describes an exponential backoff schedule.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int
	// InitialDelay is the wait before the second attempt.
	InitialDelay time.Duration
	// MaxDelay caps a single wait.
	MaxDelay time.Duration
	// Multiplier grows the delay after every failed attempt.
	Multiplier float64
	// Jitter is the +/- fraction applied to every delay (0-1).
	Jitter float64
}

// DefaultPolicy returns 4 attempts waiting 500ms, 1s, 2s (±10%).
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:  4,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

func (p *Policy) normalize() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2.0
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
}

// Delay returns the wait before attempt n+1 (n starts at 0).
func (p *Policy) Delay(n int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(n))
	if p.Jitter > 0 {
		d += (rand.Float64()*2 - 1) * d * p.Jitter
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if d < 0 {
		d = float64(p.InitialDelay)
	}
	return time.Duration(d)
}

// Operation is a unit of work that may be retried.
type Operation func(ctx context.Context) error

// PermanentError stops the retry loop immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// Result describes a finished retry loop.
type Result struct {
	Err           error
	LastError     error
	Attempts      int
	TotalDuration time.Duration
}

// Callback is invoked after a failed attempt, before waiting.
type Callback func(attempt int, err error, wait time.Duration)

// Retrier runs operations under a Policy.
type Retrier struct {
	policy *Policy
	wait   func(ctx context.Context, d time.Duration) error
}

// New creates a Retrier. A nil policy means DefaultPolicy.
func New(policy *Policy) *Retrier {
	if policy == nil {
		policy = DefaultPolicy()
	}
	p := *policy
	p.normalize()
	return &Retrier{policy: &p, wait: sleepCtx}
}

// Policy returns the normalized policy in use.
func (r *Retrier) Policy() Policy {
	return *r.policy
}

// Do runs op until it succeeds, returns a permanent error, or attempts run out.
func (r *Retrier) Do(ctx context.Context, op Operation) *Result {
	return r.DoWithCallback(ctx, op, nil)
}

// DoWithCallback is Do with a hook fired before every wait.
func (r *Retrier) DoWithCallback(ctx context.Context, op Operation, cb Callback) *Result {
	start := time.Now()
	res := &Result{}

	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		res.Attempts = attempt + 1
		if ctx.Err() != nil {
			res.Err = ErrContextCanceled
			break
		}

		err := op(ctx)
		if err == nil {
			res.Err = nil
			res.LastError = nil
			res.TotalDuration = time.Since(start)
			return res
		}
		res.LastError = err

		var perm *PermanentError
		if errors.As(err, &perm) {
			res.Err = perm.Err
			res.LastError = perm.Err
			res.TotalDuration = time.Since(start)
			return res
		}

		if attempt == r.policy.MaxAttempts-1 {
			res.Err = ErrAttemptsExhausted
			break
		}

		d := r.policy.Delay(attempt)
		if cb != nil {
			cb(attempt+1, err, d)
		}
		if werr := r.wait(ctx, d); werr != nil {
			res.Err = ErrContextCanceled
			break
		}
	}

	res.TotalDuration = time.Since(start)
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
