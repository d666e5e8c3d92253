package gateway

import (
	"context"
	"net/http"
	"time"
)

// Outcome classifies one attempt against the gateway.
type Outcome int

const (
	Success Outcome = iota
	RateLimited
	ClientError
	ServerError
	NetworkError
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RateLimited:
		return "rate_limited"
	case ClientError:
		return "client_error"
	case ServerError:
		return "server_error"
	case NetworkError:
		return "network_error"
	default:
		return "unknown"
	}
}

// Retryable reports whether another attempt may succeed.
func (o Outcome) Retryable() bool {
	return o == RateLimited || o == ServerError || o == NetworkError
}

// Policy decides how many attempts to make and how long to wait between them.
type Policy struct {
	// MaxRetries is the total number of attempts (default 3).
	MaxRetries int
	// BaseDelay scales every backoff (default 1s).
	BaseDelay time.Duration
	Classify  func(status int) Outcome
	Backoff   func(outcome Outcome, base time.Duration, attempt int) time.Duration
}

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
)

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		Classify:   ClassifyStatus,
		Backoff:    ExponentialBackoff,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.Classify == nil {
		p.Classify = ClassifyStatus
	}
	if p.Backoff == nil {
		p.Backoff = ExponentialBackoff
	}
	return p
}

// ClassifyStatus maps an HTTP status to an outcome.
func ClassifyStatus(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return Success
	case status == http.StatusTooManyRequests:
		return RateLimited
	case status >= 500:
		return ServerError
	default:
		return ClientError
	}
}

// ExponentialBackoff waits base*2^attempt, doubled when rate limited.
func ExponentialBackoff(outcome Outcome, base time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	if outcome == RateLimited {
		d *= 2
	}
	return d
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the real-clock Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
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
