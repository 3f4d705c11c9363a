package resilience

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// Options configures a Core. Zero values get sane defaults; Now and Sleep
// exist so tests can pin time.
type Options struct {
	Logger *slog.Logger
	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
	// OnOutcome, if set, receives one call per operation outcome
	// ("success", "retry", "failure", "rejected") for the metrics sink.
	OnOutcome func(op, outcome string, attempt int, elapsed time.Duration)
	// OnBreakerChange, if set, observes circuit state transitions.
	OnBreakerChange func(op, from, to string)
}

// Core executes operations under a Policy. It owns the per-operation circuit
// breakers and per-resource bulkheads; construct one per process and inject it.
type Core struct {
	log             *slog.Logger
	now             func() time.Time
	sleep           func(ctx context.Context, d time.Duration) error
	onOutcome       func(op, outcome string, attempt int, elapsed time.Duration)
	onBreakerChange func(op, from, to string)

	mu        sync.Mutex
	breakers  map[string]*Breaker
	bulkheads map[string]*Bulkhead
}

// New constructs a Core.
func New(opts Options) *Core {
	c := &Core{
		log:             opts.Logger,
		now:             opts.Now,
		sleep:           opts.Sleep,
		onOutcome:       opts.OnOutcome,
		onBreakerChange: opts.OnBreakerChange,
		breakers:        make(map[string]*Breaker),
		bulkheads:       make(map[string]*Bulkhead),
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.sleep == nil {
		c.sleep = sleepCtx
	}
	return c
}

// Execute runs work under the policy: bulkhead admission, circuit check,
// per-attempt timeout, optional hedging, retry with capped exponential
// backoff and jitter. Breaker and bulkhead rejections return their typed
// errors directly; work failures surface as an ExhaustedError wrapping the
// last attempt's error.
func (c *Core) Execute(ctx context.Context, op string, p Policy, work func(context.Context) error) error {
	p = p.normalized()
	start := c.now()

	if p.Bulkhead != nil {
		bh := c.bulkhead(p.Bulkhead, op)
		if err := bh.Acquire(ctx); err != nil {
			c.outcome(op, "rejected", 0, c.now().Sub(start))
			return err
		}
		defer bh.Release()
	}

	var br *Breaker
	if p.BreakerThreshold > 0 {
		br = c.breaker(op, p)
	}

	var last error
	attempts := 0
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last == nil {
				return err
			}
			break
		}
		if br != nil {
			if err := br.Allow(); err != nil {
				if attempts == 0 {
					c.outcome(op, "rejected", 0, c.now().Sub(start))
					return err
				}
				// This call's own failures opened the circuit; stop retrying.
				break
			}
		}
		attempts++
		err := c.attempt(ctx, op, p, work)
		if err == nil {
			if br != nil {
				br.OnSuccess()
			}
			c.outcome(op, "success", attempt, c.now().Sub(start))
			c.log.Debug("operation succeeded", "op", op, "attempt", attempt)
			return nil
		}
		last = err
		if br != nil {
			br.OnFailure()
		}
		if !Retryable(err) || attempt == p.MaxAttempts {
			break
		}
		delay := c.backoff(p, attempt)
		c.outcome(op, "retry", attempt, c.now().Sub(start))
		c.log.Debug("operation retry", "op", op, "attempt", attempt, "delay", delay, "err", err)
		if serr := c.sleep(ctx, delay); serr != nil {
			break
		}
	}

	elapsed := c.now().Sub(start)
	c.outcome(op, "failure", attempts, elapsed)
	c.log.Warn("operation failed", "op", op, "attempts", attempts, "elapsed", elapsed, "err", last)
	return &ExhaustedError{Op: op, Attempts: attempts, Elapsed: elapsed, Last: last}
}

// attempt runs one invocation under the per-attempt timeout, converting a
// deadline hit into a TimeoutError when the parent context is still live.
func (c *Core) attempt(ctx context.Context, op string, p Policy, work func(context.Context) error) error {
	actx := ctx
	cancel := func() {}
	if p.Timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, p.Timeout)
	}
	defer cancel()

	var err error
	if p.Hedge != nil && p.Hedge.Delay > 0 {
		err = c.hedged(actx, op, p.Hedge, work)
	} else {
		err = work(actx)
	}
	if err == nil {
		return nil
	}
	if p.Timeout > 0 && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return &TimeoutError{Op: op, After: p.Timeout}
	}
	return err
}

// hedged fires the primary call, then duplicates after each hedge delay up
// to MaxHedges. The first call to resolve wins; losers are discarded when
// the attempt context is canceled.
func (c *Core) hedged(ctx context.Context, op string, h *HedgePolicy, work func(context.Context) error) error {
	results := make(chan error, h.MaxHedges+1)
	launch := func() {
		go func() { results <- work(ctx) }()
	}
	launch()

	timer := time.NewTimer(h.Delay)
	defer timer.Stop()
	hedges := 0
	for {
		select {
		case err := <-results:
			return err
		case <-timer.C:
			if hedges < h.MaxHedges {
				hedges++
				c.log.Debug("hedging operation", "op", op, "hedge", hedges)
				launch()
				timer.Reset(h.Delay)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// backoff computes the delay after the given failed attempt:
// min(base * 2^attempt, max), spread by the jitter fraction.
func (c *Core) backoff(p Policy, failed int) time.Duration {
	return Backoff(p.BaseDelay, p.MaxDelay, p.JitterFrac, failed)
}

// Backoff returns the wait before the attempt following `failed` failures:
// base doubled once per failure, capped at max, with uniform ±jitterFrac
// jitter. The job queue shares this schedule for re-dispatch.
func Backoff(base, max time.Duration, jitterFrac float64, failed int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < failed; i++ {
		d *= 2
		if max > 0 && d >= max {
			d = max
			break
		}
	}
	if jitterFrac > 0 {
		f := 1 - jitterFrac + 2*jitterFrac*rand.Float64()
		d = time.Duration(float64(d) * f)
	}
	return d
}

func (c *Core) outcome(op, outcome string, attempt int, elapsed time.Duration) {
	if c.onOutcome != nil {
		c.onOutcome(op, outcome, attempt, elapsed)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do is Execute with a typed result. Under hedging the work may run more
// than once; the first successful result is kept.
func Do[T any](ctx context.Context, c *Core, op string, p Policy, work func(context.Context) (T, error)) (T, error) {
	var (
		mu  sync.Mutex
		out T
		set bool
	)
	err := c.Execute(ctx, op, p, func(ctx context.Context) error {
		v, werr := work(ctx)
		if werr != nil {
			return werr
		}
		mu.Lock()
		if !set {
			out = v
			set = true
		}
		mu.Unlock()
		return nil
	})
	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// DoFallback is Do, but a terminal failure is replaced by the fallback's
// value instead of propagating.
func DoFallback[T any](ctx context.Context, c *Core, op string, p Policy, work func(context.Context) (T, error), fallback func(error) (T, error)) (T, error) {
	v, err := Do(ctx, c, op, p, work)
	if err == nil {
		return v, nil
	}
	return fallback(err)
}
