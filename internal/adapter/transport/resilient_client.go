package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/hive-corporation/c2sync/internal/adapter/metrics"
)

// ResilientClient sends FortiOS REST calls. Gateway-level failures are
// retried at a fixed delay and a run of them trips the breaker.
type ResilientClient struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	config  ResilientClientConfig
	log     logrus.FieldLogger
}

// ResilientClientConfig tunes retries and the breaker for one appliance.
type ResilientClientConfig struct {
	// Name labels the breaker and the error metrics.
	Name string

	// The breaker opens after MaxFailures consecutive failed calls and
	// half-opens after CircuitTimeout.
	EnableCircuitBreaker bool
	MaxFailures          uint32
	CircuitTimeout       time.Duration

	// Retry settings. A Multiplier <= 1 retries at a fixed InitialInterval.
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64

	// InsecureSkipVerify accepts the appliance's self-signed certificate.
	InsecureSkipVerify bool
}

// DefaultResilientClientConfig retries three times, two seconds apart.
func DefaultResilientClientConfig(name string) ResilientClientConfig {
	return ResilientClientConfig{
		Name:                 name,
		EnableCircuitBreaker: true,
		MaxFailures:          5,
		CircuitTimeout:       30 * time.Second,
		MaxRetries:           3,
		InitialInterval:      2 * time.Second,
		MaxInterval:          2 * time.Second,
		Multiplier:           1,
	}
}

func NewResilientClient(timeout time.Duration, config ResilientClientConfig, log logrus.FieldLogger) *ResilientClient {
	if log == nil {
		log = logrus.StandardLogger()
	}

	client := &http.Client{
		Timeout: timeout,
	}
	if config.InsecureSkipVerify {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // firewall appliances use self-signed certificates
		client.Transport = tr
	}

	var breaker *gobreaker.CircuitBreaker
	if config.EnableCircuitBreaker {
		settings := gobreaker.Settings{
			Name:        config.Name,
			MaxRequests: 1,
			Interval:    0, // counts reset only on a state change
			Timeout:     config.CircuitTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= config.MaxFailures
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
					Warn("⚡ circuit breaker changed state")
				if to == gobreaker.StateOpen {
					metrics.RecordHTTPError(name, "circuit_open")
				}
			},
		}
		breaker = gobreaker.NewCircuitBreaker(settings)
	}

	return &ResilientClient{
		client:  client,
		breaker: breaker,
		config:  config,
		log:     log,
	}
}

// Do sends req to the appliance through the breaker.
// Responses with a non-retryable status are returned as-is for the caller
// to interpret; only connection failures and exhausted retryable statuses
// are errors.
func (c *ResilientClient) Do(req *http.Request) (*http.Response, error) {
	if c.breaker == nil {
		return c.doWithRetry(req)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doWithRetry(req)
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.RecordHTTPError(c.config.Name, "circuit_open")
			return nil, fmt.Errorf("circuit breaker is open: %w", err)
		}
		return nil, err
	}

	return result.(*http.Response), nil
}

// doWithRetry sends req until it gets a final answer from the appliance or
// the retry budget runs out.
func (c *ResilientClient) doWithRetry(req *http.Request) (*http.Response, error) {
	// create and update payloads are resent verbatim on each attempt
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		req.Body.Close()
	}

	var resp *http.Response
	var lastErr error

	operation := func() error {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		var err error
		resp, err = c.client.Do(req)
		if err != nil {
			lastErr = err
			metrics.RecordHTTPError(c.config.Name, "connection")
			if c.shouldRetry(err, nil) {
				return err
			}
			return backoff.Permanent(err)
		}

		// the appliance or its proxy is overloaded; drain and ask again
		if c.shouldRetry(nil, resp) {
			lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
			c.recordErrorFromResponse(resp)
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			resp = nil
			return lastErr
		}

		if resp.StatusCode >= 400 {
			c.recordErrorFromResponse(resp)
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.log.WithFields(logrus.Fields{
			"client": c.config.Name,
			"method": req.Method,
			"path":   req.URL.Path,
			"wait":   wait.String(),
		}).WithError(err).Warn("retrying request")
	}

	if err := backoff.RetryNotify(operation, c.backoffPolicy(req.Context()), notify); err != nil {
		return nil, fmt.Errorf("request failed after retries: %w", lastErr)
	}

	return resp, nil
}

func (c *ResilientClient) backoffPolicy(ctx context.Context) backoff.BackOff {
	var policy backoff.BackOff
	if c.config.Multiplier <= 1 {
		policy = backoff.NewConstantBackOff(c.config.InitialInterval)
	} else {
		expBackoff := backoff.NewExponentialBackOff()
		expBackoff.InitialInterval = c.config.InitialInterval
		expBackoff.MaxInterval = c.config.MaxInterval
		expBackoff.Multiplier = c.config.Multiplier
		expBackoff.MaxElapsedTime = 0 // bounded by MaxRetries
		policy = expBackoff
	}

	retries := c.config.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx)
}

// shouldRetry reports whether a failed call to the appliance is transient.
func (c *ResilientClient) shouldRetry(err error, resp *http.Response) bool {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		// the management interface drops connections while it reloads
		msg := err.Error()
		if strings.Contains(msg, "connection refused") ||
			strings.Contains(msg, "connection reset") ||
			strings.Contains(msg, "Client.Timeout") ||
			strings.Contains(msg, "EOF") {
			return true
		}
		return false
	}

	// FortiOS reports rejected CLI operations (duplicates, references)
	// as 500, which is final.
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusTooManyRequests, // 429
			http.StatusServiceUnavailable, // 503
			http.StatusGatewayTimeout,     // 504
			http.StatusBadGateway:         // 502
			return true
		}
	}

	return false
}

// recordErrorFromResponse counts a non-2xx answer under its error type.
func (c *ResilientClient) recordErrorFromResponse(resp *http.Response) {
	if resp == nil {
		return
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		metrics.RecordHTTPError(c.config.Name, "auth")
	case http.StatusTooManyRequests:
		metrics.RecordHTTPError(c.config.Name, "rate_limit")
	case http.StatusRequestTimeout:
		metrics.RecordHTTPError(c.config.Name, "timeout")
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		metrics.RecordHTTPError(c.config.Name, "server_error")
	case http.StatusNotFound:
		// lookups of absent objects and groups
	default:
		metrics.RecordHTTPError(c.config.Name, "http_error")
	}
}
