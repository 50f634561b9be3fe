// Package webhook provides HTTP webhook notification support for trmv move
// events.
//
// A job is a short-lived process, so events are delivered synchronously
// before it exits.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// EventType represents the type of move event that can trigger webhooks.
type EventType string

const (
	EventMoveCompleted EventType = "move.completed"
	EventMoveResumed   EventType = "move.resumed"
	EventMoveDeferred  EventType = "move.deferred"
	EventMoveFailed    EventType = "move.failed"
)

// SignatureHeader carries the HMAC-SHA256 of the body when a secret is set.
const SignatureHeader = "X-Trmv-Signature"

// Event represents a move event payload sent to webhooks.
type Event struct {
	Event     EventType `json:"event"`
	Timestamp string    `json:"timestamp"`
	RunID     string    `json:"run_id,omitempty"`
	Hash      string    `json:"hash"`
	Name      string    `json:"name,omitempty"`
	Outcome   string    `json:"outcome"`
	FinalPath string    `json:"final_path,omitempty"`
	Location  string    `json:"location,omitempty"`
	Bytes     int64     `json:"bytes,omitempty"`
	Step      string    `json:"step,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// HookConfig represents a single webhook configuration.
type HookConfig struct {
	URL     string      `yaml:"url" json:"url"`
	Secret  string      `yaml:"secret,omitempty" json:"-"`
	Events  []EventType `yaml:"events" json:"events"`
	Timeout string      `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Config represents the webhook configuration.
type Config struct {
	Hooks      []HookConfig `yaml:"hooks,omitempty" json:"hooks,omitempty"`
	MaxRetries int          `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	RetryDelay string       `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty"`
}

const (
	defaultTimeout    = 10 * time.Second
	defaultRetryDelay = time.Second
)

// Validate checks hook URLs and durations.
func (c *Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("webhooks.max_retries must not be negative")
	}
	if _, err := parseDuration(c.RetryDelay, defaultRetryDelay); err != nil {
		return fmt.Errorf("webhooks.retry_delay: %w", err)
	}
	for i, hook := range c.Hooks {
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhooks.hooks[%d].url: not an http(s) URL: %q", i, hook.URL)
		}
		if _, err := parseDuration(hook.Timeout, defaultTimeout); err != nil {
			return fmt.Errorf("webhooks.hooks[%d].timeout: %w", i, err)
		}
	}
	return nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// Client handles sending webhook notifications.
type Client struct {
	config     Config
	http       *http.Client
	retryDelay time.Duration
}

// NewClient creates a new webhook client.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	delay, _ := parseDuration(cfg.RetryDelay, defaultRetryDelay)
	return &Client{
		config:     cfg,
		http:       &http.Client{},
		retryDelay: delay,
	}, nil
}

// Send delivers event to every hook subscribed to it. All hooks are tried;
// the returned error joins the failures.
func (c *Client) Send(ctx context.Context, event Event) error {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var errs []error
	for _, hook := range c.config.Hooks {
		if !matchesEvent(hook, event.Event) {
			continue
		}
		if err := c.sendSync(ctx, hook, event.Event, payload); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", hook.URL, err))
		}
	}
	return errors.Join(errs...)
}

// sendSync sends a webhook synchronously with retries.
func (c *Client) sendSync(ctx context.Context, hook HookConfig, event EventType, payload []byte) error {
	timeout, _ := parseDuration(hook.Timeout, defaultTimeout)

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}

		lastErr = c.post(ctx, hook, event, payload, timeout)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (c *Client) post(ctx context.Context, hook HookConfig, event EventType, payload []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := c.createRequest(ctx, hook, event, payload)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}

// createRequest creates an HTTP request for the webhook.
func (c *Client) createRequest(ctx context.Context, hook HookConfig, event EventType, payload []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "trmv-webhook/1.0")
	req.Header.Set("X-Trmv-Event", string(event))

	// Add HMAC signature if secret is configured
	if hook.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(payload, hook.Secret))
	}

	return req, nil
}

// Sign creates an HMAC-SHA256 signature for the payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// matchesEvent checks if a hook is configured for the given event.
func matchesEvent(hook HookConfig, event EventType) bool {
	if len(hook.Events) == 0 {
		return true
	}
	for _, e := range hook.Events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}
