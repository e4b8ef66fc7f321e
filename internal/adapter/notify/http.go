// Package notify delivers outbound HTTP notifications: task dispatches to
// worker endpoints and completion callbacks to submitter-supplied URLs.
// Destinations are caller-controlled, so every URL passes the SSRF guard
// before any connection is opened, and all traffic flows through a shared
// circuit breaker and rate limiter.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"taskrouter/internal/domain"
	"taskrouter/internal/infra/config"
	"taskrouter/internal/security"
)

const (
	eventAssigned  = "task.assigned"
	eventCompleted = "task.completed"
	eventFailed    = "task.failed"
	eventEscalated = "task.escalated"
)

// ErrRateLimited is returned when the outbound limiter has no token to
// spend. Notifications are best-effort, so the send is dropped, not queued.
var ErrRateLimited = errors.New("notify: outbound rate limit exceeded")

// HTTPNotifier implements domain.Notifier over plain HTTP POST.
type HTTPNotifier struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[int]
	limiter *rate.Limiter
	logger  *slog.Logger

	// validate guards destination URLs; swapped in tests to admit
	// loopback listeners.
	validate func(string) error
}

// New builds a notifier from configuration. The HTTP client never follows
// redirects: a redirect could bounce a vetted URL onto an internal address.
func New(cfg config.NotifierConfig, logger *slog.Logger) *HTTPNotifier {
	breaker := gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:     "notify",
		Interval: cfg.Breaker.Interval,
		Timeout:  cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Breaker.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("notifier circuit state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPNotifier{
		client: &http.Client{
			Transport: security.NewSafeTransport(),
			Timeout:   timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		breaker:  breaker,
		limiter:  limiter,
		logger:   logger,
		validate: security.ValidateURL,
	}
}

type payload struct {
	Event string       `json:"event"`
	Task  *domain.Task `json:"task"`
}

// DispatchAssigned tells the worker's declared endpoint about its new
// assignment. Workers without an endpoint are polling-only; that is not an
// error.
func (n *HTTPNotifier) DispatchAssigned(ctx context.Context, worker *domain.Worker, task *domain.Task) error {
	if worker.Endpoint == "" {
		return nil
	}
	return n.post(ctx, worker.Endpoint, eventAssigned, task)
}

// DeliverCallback posts the final task record to the submitter's callback
// URL. The event name follows the terminal status.
func (n *HTTPNotifier) DeliverCallback(ctx context.Context, url string, task *domain.Task) error {
	var event string
	switch task.Status {
	case domain.TaskCompleted:
		event = eventCompleted
	case domain.TaskEscalated:
		event = eventEscalated
	default:
		event = eventFailed
	}
	return n.post(ctx, url, event, task)
}

func (n *HTTPNotifier) post(ctx context.Context, url, event string, task *domain.Task) error {
	if err := n.validate(url); err != nil {
		return fmt.Errorf("notify %s: %w", event, err)
	}
	if n.limiter != nil && !n.limiter.Allow() {
		return ErrRateLimited
	}

	body, err := json.Marshal(payload{Event: event, Task: task})
	if err != nil {
		return fmt.Errorf("notify %s: marshal: %w", event, err)
	}

	status, err := n.breaker.Execute(func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "taskrouter")

		resp, err := n.client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return resp.StatusCode, fmt.Errorf("destination returned %d", resp.StatusCode)
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		return fmt.Errorf("notify %s: %w", event, err)
	}

	n.logger.Debug("notification delivered", "event", event, "task_id", task.ID, "status", status)
	return nil
}
