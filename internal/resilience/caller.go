package resilience

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/tcmigrate/tcmigrate/internal/errclass"
	"github.com/tcmigrate/tcmigrate/internal/logging"
	"github.com/tcmigrate/tcmigrate/internal/provider"
)

// RetryPolicy governs retry behavior for a call class. Read-only at
// run time.
type RetryPolicy struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffCap        time.Duration
	// RetryableStatusCodes extends the built-in transient set
	// (connection drop, timeout, 5xx, 429).
	RetryableStatusCodes []int
}

// DefaultRetryPolicy matches the documented defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       4,
		BackoffBase:       250 * time.Millisecond,
		BackoffMultiplier: 2.0,
		BackoffCap:        30 * time.Second,
	}
}

// Backoff returns the delay before the given retry (attempt is
// 1-based: the delay after the attempt-th failure).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := float64(p.BackoffBase)
	for i := 1; i < attempt; i++ {
		d *= p.BackoffMultiplier
	}
	delay := time.Duration(d)
	if p.BackoffCap > 0 && delay > p.BackoffCap {
		delay = p.BackoffCap
	}
	return delay
}

// Caller wraps every adapter call for one provider as
// timeout -> retry(policy) -> circuitBreaker(provider, class).
type Caller struct {
	Provider string
	Policy   RetryPolicy
	Timeout  time.Duration

	breakers *BreakerSet
	budget   *RateBudget

	// Refresher performs the single 401 token-refresh cycle; nil when
	// the adapter does not support refresh.
	Refresher provider.TokenRefresher

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCaller builds a caller for one provider. budget may be nil.
func NewCaller(providerName string, policy RetryPolicy, timeout time.Duration, breakers *BreakerSet, budget *RateBudget) *Caller {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Caller{
		Provider: providerName,
		Policy:   policy,
		Timeout:  timeout,
		breakers: breakers,
		budget:   budget,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do invokes fn under the resilience stack. class groups operations
// sharing a breaker (e.g. "read", "write", "attachment").
//
// Retries consume at most Policy.MaxAttempts provider invocations for
// transient outcomes; a 401 gets exactly one refresh-and-retry cycle
// that does not count against the budget; CircuitOpenError is returned
// without invoking the provider at all.
func (c *Caller) Do(ctx context.Context, class string, fn func(ctx context.Context) error) error {
	br := c.breakers.Get(c.Provider, class)

	attempts := 0
	refreshed := false
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			return errclass.Wrap(errclass.KindCancelled, err, "%s %s call cancelled", c.Provider, class)
		}
		if err := br.Allow(); err != nil {
			return err
		}
		if err := c.budget.Wait(ctx); err != nil {
			return errclass.Wrap(errclass.KindCancelled, err, "%s %s rate wait cancelled", c.Provider, class)
		}

		attempts++
		callCtx, cancel := context.WithTimeout(ctx, c.Timeout)
		err := fn(callCtx)
		cancel()

		if err == nil {
			br.RecordSuccess()
			return nil
		}
		lastErr = err

		classified := c.classify(err)

		// Exactly one token-refresh-and-retry cycle per call, before
		// normal retry/breaker handling; repeated 401s after refresh
		// surface as AuthError.
		if classified.Kind == errclass.KindAuth && !refreshed && c.Refresher != nil {
			refreshed = true
			if rerr := c.Refresher.RefreshToken(ctx); rerr == nil {
				logging.Debug("%s %s: token refreshed after 401, retrying", c.Provider, class)
				attempts--
				continue
			}
		}

		br.RecordFailure()

		if !errclass.IsTransient(classified) {
			classified.Attempts = attempts
			return classified
		}

		if attempts >= c.Policy.MaxAttempts {
			classified.Attempts = attempts
			classified.Message = classified.Message + " (retry budget exhausted)"
			return classified
		}

		delay := c.Policy.Backoff(attempts)
		if ra := classified.RetryAfter; ra > 0 {
			// Rate-limited: the provider's Retry-After wins.
			delay = ra
		}
		logging.Debug("%s %s attempt %d failed (%s), retrying in %s",
			c.Provider, class, attempts, classified.Kind, delay)
		if serr := c.sleep(ctx, delay); serr != nil {
			return errclass.Wrap(errclass.KindCancelled, lastErr, "%s %s retry wait cancelled", c.Provider, class)
		}
	}
}

// classify turns an adapter error into a taxonomy error.
func (c *Caller) classify(err error) *errclass.Error {
	var ce *errclass.Error
	if errors.As(err, &ce) {
		return ce
	}

	var se *provider.StatusError
	if errors.As(err, &se) {
		kind := errclass.FromStatus(se.StatusCode)
		for _, code := range c.Policy.RetryableStatusCodes {
			if se.StatusCode == code && kind != errclass.KindRateLimit {
				kind = errclass.KindConnection
			}
		}
		out := &errclass.Error{
			Kind:       kind,
			StatusCode: se.StatusCode,
			Component:  c.Provider,
			Message:    se.Message,
			Err:        err,
		}
		if se.StatusCode == http.StatusTooManyRequests {
			out.RetryAfter = se.RetryAfter
		}
		return out
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errclass.Wrap(errclass.KindTimeout, err, "%s call timed out after %s", c.Provider, c.Timeout)
	case errors.Is(err, context.Canceled):
		return errclass.Wrap(errclass.KindCancelled, err, "%s call cancelled", c.Provider)
	default:
		// Unrecognized transport failures are treated as connection
		// drops so they stay retryable.
		return errclass.Wrap(errclass.KindConnection, err, "%s call failed", c.Provider)
	}
}
