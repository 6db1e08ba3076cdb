package ordersapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/agentworkforce/orderdesk/internal/orders"
)

var (
	ErrConflict    = errors.New("order conflict")
	ErrCircuitOpen = errors.New("order service circuit open")
)

type ConflictError struct {
	Path string
}

func (e *ConflictError) Error() string {
	if e.Path == "" {
		return "order conflict"
	}
	return fmt.Sprintf("order conflict for %s", e.Path)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the same request may succeed later.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Logger interface {
	Printf(format string, args ...any)
}

// Client talks to the order service REST API. Requests are retried with
// backoff on network errors, 429 and 5xx; a circuit breaker stops calling
// the service after repeated failures.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	breaker    *gobreaker.CircuitBreaker

	Logger Logger
}

const (
	breakerFailures = 5
	breakerTimeout  = 30 * time.Second
)

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:5000"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	c := &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "orders-api",
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logf("circuit %s: %s -> %s", name, from, to)
		},
	})
	return c
}

// countsAsSuccess keeps caller mistakes and cancellations from tripping the
// breaker; only transport failures and temporary statuses count.
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return !httpErr.Temporary()
	}
	return errors.Is(err, ErrConflict)
}

type ordersResponse struct {
	Orders []json.RawMessage `json:"orders"`
}

type orderResponse struct {
	Order json.RawMessage `json:"order"`
}

// FetchOrders lists one partition of the viewer's orders. Records that fail
// validation are dropped and logged.
func (c *Client) FetchOrders(ctx context.Context, viewer orders.Viewer, partition orders.Partition) ([]orders.Order, error) {
	if !partition.Valid() {
		return nil, fmt.Errorf("%w: partition %q", orders.ErrInvalidInput, partition)
	}
	q := url.Values{}
	if team, ok := viewer.TeamCategory(); ok && !viewer.Global() {
		q.Set("team", team.String())
	}
	path := "/orders/" + url.PathEscape(partition.OrderType())
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out ordersResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	list, dropped := orders.DecodeOrders(out.Orders)
	if dropped > 0 {
		c.logf("dropped %d malformed records from %s", dropped, partition.OrderType())
	}
	return list, nil
}

func (c *Client) CreateOrder(ctx context.Context, input orders.NewOrder) (orders.Order, error) {
	if err := input.Validate(); err != nil {
		return orders.Order{}, err
	}
	var out orderResponse
	if err := c.doJSON(ctx, http.MethodPost, "/orders", input, &out); err != nil {
		return orders.Order{}, err
	}
	return orders.DecodeOrder(out.Order)
}

func (c *Client) UpdateProgress(ctx context.Context, update orders.ProgressUpdate) (orders.Order, error) {
	if err := update.Validate(); err != nil {
		return orders.Order{}, err
	}
	var out orderResponse
	if err := c.doJSON(ctx, http.MethodPatch, "/orders/update-progress", update, &out); err != nil {
		return orders.Order{}, err
	}
	return orders.DecodeOrder(out.Order)
}

func (c *Client) DeleteOrder(ctx context.Context, orderNumber string) error {
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return fmt.Errorf("%w: empty order number", orders.ErrInvalidInput)
	}
	return c.doJSON(ctx, http.MethodDelete, "/orders/"+url.PathEscape(orderNumber), nil, nil)
}

func (c *Client) doJSON(
	ctx context.Context,
	method, requestPath string,
	body any,
	out any,
) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.send(ctx, method, requestPath, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s %s", ErrCircuitOpen, method, requestPath)
	}
	return err
}

func (c *Client) send(
	ctx context.Context,
	method, requestPath string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	// Retries of one call share a correlation id.
	correlationID := uuid.NewString()
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if resp.StatusCode == http.StatusConflict {
			return &ConflictError{Path: requestPath}
		}
		message := errPayload.Message
		if message == "" {
			message = errPayload.Error
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func (c *Client) logf(format string, args ...any) {
	if c.Logger == nil {
		return
	}
	c.Logger.Printf(format, args...)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
