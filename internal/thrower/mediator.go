// Package thrower implements the deliver_sm thrower and dlr thrower: two
// stateless MB consumers that deliver inbound traffic to its final HTTP or
// SMPP destination, per spec.md §4.4. Both share the same HTTP mediation
// machinery, adapted from the teacher's internal/router/mediator/http.go
// (circuit breaker + bounded retry around an outbound webhook call).
package thrower

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/jasmin-go/jasmin/internal/metrics"
)

// MediatorConfig configures an httpMediator instance. One is built per
// thrower (deliver_sm, dlr), mirroring the teacher's per-mediator config.
type MediatorConfig struct {
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
	RateLimit   float64 // outbound requests/sec per destination host, 0 = unlimited
	BreakerName string
}

// httpMediator posts form-encoded payloads to subscriber URLs, retrying
// retryable failures up to MaxRetries with a fixed RetryDelay×attempt
// backoff (spec.md §4.4: "retry up to max_retries with retry_delay
// seconds"; not exponential, matching SCM's own retry policy in
// internal/scm/connector.go).
type httpMediator struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	cfg     MediatorConfig

	limiters   map[string]*rate.Limiter
	limitersMu sync.Mutex
}

// newHTTPMediator builds an httpMediator, defaulting zero-valued fields to
// spec.md §4.4's documented thrower defaults.
func newHTTPMediator(cfg MediatorConfig) *httpMediator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if cfg.BreakerName == "" {
		cfg.BreakerName = "thrower"
	}

	client := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.BreakerName,
		MaxRequests: 10,
		Interval:    60 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("thrower: circuit breaker state changed")
			if to == gobreaker.StateOpen {
				metrics.ThrowerCircuitBreakerTrips.WithLabelValues(name).Inc()
			}
		},
	})

	return &httpMediator{
		client:   client,
		breaker:  breaker,
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (m *httpMediator) limiterFor(targetURL string) *rate.Limiter {
	if m.cfg.RateLimit <= 0 {
		return nil
	}
	host := targetURL
	if u, err := url.Parse(targetURL); err == nil {
		host = u.Host
	}

	m.limitersMu.Lock()
	defer m.limitersMu.Unlock()
	l, ok := m.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(m.cfg.RateLimit), 1)
		m.limiters[host] = l
	}
	return l
}

// deliver POSTs/GETs form to targetURL, retrying per the configured budget.
// kind labels the thrower (deliver_sm/dlr) in metrics. It returns the last
// error encountered if every attempt failed or was non-retryable.
func (m *httpMediator) deliver(ctx context.Context, kind, method, targetURL string, form url.Values) error {
	if limiter := m.limiterFor(targetURL); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}

	_, err := m.breaker.Execute(func() (interface{}, error) {
		return nil, m.executeWithRetry(ctx, kind, method, targetURL, form)
	})
	if err != nil {
		metrics.ThrowerAttempts.WithLabelValues(kind, "dropped").Inc()
		return err
	}
	metrics.ThrowerAttempts.WithLabelValues(kind, "success").Inc()
	return nil
}

func (m *httpMediator) executeWithRetry(ctx context.Context, kind, method, targetURL string, form url.Values) error {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		err := m.executeOnce(ctx, method, targetURL, form)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}

		metrics.ThrowerAttempts.WithLabelValues(kind, "retry").Inc()
		if attempt < m.cfg.MaxRetries {
			delay := time.Duration(attempt) * m.cfg.RetryDelay
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func (m *httpMediator) executeOnce(ctx context.Context, method, targetURL string, form url.Values) error {
	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	var req *http.Request
	var err error
	if method == http.MethodGet {
		req, err = http.NewRequestWithContext(reqCtx, http.MethodGet, targetURL+"?"+form.Encode(), nil)
	} else {
		req, err = http.NewRequestWithContext(reqCtx, http.MethodPost, targetURL, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return &permanentError{fmt.Errorf("build request: %w", err)}
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return err // network errors are retryable
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("thrower: %s returned %d", targetURL, resp.StatusCode)
	}
	// 4xx other than 429 is a configuration problem, not transient.
	return &permanentError{fmt.Errorf("thrower: %s returned %d", targetURL, resp.StatusCode)}
}

// permanentError marks a failure that retrying cannot fix (malformed
// request, 4xx other than 429), per spec.md §4.4's "4xx... don't retry".
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

func isRetryable(err error) bool {
	var perm *permanentError
	return !errors.As(err, &perm)
}
