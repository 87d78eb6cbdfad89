// Package api is a Go client for the broker HTTP API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// APIError is a non-2xx response from the broker.
type APIError struct {
	Status  int
	Message string `json:"error"`
	Kind    string `json:"kind"`
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("broker returned status %d (%s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("broker returned status %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the broker.
func IsNotFound(err error) bool {
	e, ok := err.(*APIError)
	return ok && e.Status == http.StatusNotFound
}

// IsOffsetOutOfRange reports whether err is a 416 from the broker.
func IsOffsetOutOfRange(err error) bool {
	e, ok := err.(*APIError)
	return ok && e.Status == http.StatusRequestedRangeNotSatisfiable
}

// ClientConfig holds the connection settings shared by producers and consumers.
type ClientConfig struct {
	BrokerAddresses []string      // host:port or full base URLs
	Timeout         time.Duration // Request timeout
	RetryAttempts   int           // Retries after a network error or 5xx
	RetryBackoff    time.Duration // Multiplied by the attempt number
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BrokerAddresses: []string{"localhost:8090"},
		Timeout:         30 * time.Second,
		RetryAttempts:   3,
		RetryBackoff:    100 * time.Millisecond,
	}
}

// client sends JSON requests, rotating over the broker addresses on retry.
type client struct {
	config      ClientConfig
	httpClient  *http.Client
	mu          sync.Mutex
	brokerIndex int
}

func newClient(cfg ClientConfig) *client {
	if len(cfg.BrokerAddresses) == 0 {
		cfg.BrokerAddresses = DefaultClientConfig().BrokerAddresses
	}
	return &client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// selectBroker selects a broker using round-robin
func (c *client) selectBroker() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr := c.config.BrokerAddresses[c.brokerIndex]
	c.brokerIndex = (c.brokerIndex + 1) % len(c.config.BrokerAddresses)
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimSuffix(addr, "/")
}

// do sends one request. 4xx responses are returned at once; network errors
// and 5xx are retried against the next broker.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		payload = data
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * c.config.RetryBackoff):
			}
		}
		err := c.once(ctx, method, c.selectBroker()+path, payload, out)
		if err == nil {
			return nil
		}
		if e, ok := err.(*APIError); ok && e.Status < http.StatusInternalServerError {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("request failed after %d attempts: %w", c.config.RetryAttempts+1, lastErr)
}

func (c *client) once(ctx context.Context, method, url string, payload []byte, out any) error {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func topicPath(streamID, topicID uint32) string {
	return fmt.Sprintf("/streams/%d/topics/%d", streamID, topicID)
}
