// Package syncclient polls a running server's sync payload, the same way
// the dashboard page does.
package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rpggio/kairos/internal/domain/syncstate"
	"github.com/rpggio/kairos/internal/metrics"
)

// ErrRetriesExhausted is returned by Run after MaxRetries consecutive
// failed polls.
var ErrRetriesExhausted = errors.New("sync client: retries exhausted")

// Status of the connection to the server.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusStopped      Status = "stopped"
)

// Options tune polling. Zero values get defaults.
type Options struct {
	Interval     time.Duration
	RetryBackoff time.Duration
	MaxRetries   int
	Path         string
	HTTPClient   *http.Client
	Clock        clockwork.Clock
	Logger       *slog.Logger
}

// Client polls one server.
type Client struct {
	url    string
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	onChange []func(syncstate.Envelope)
	onStatus []func(Status, error)
	version  int64
	seen     bool
	status   Status
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts Options) *Client {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Path == "" {
		opts.Path = "/data/sync.json"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		url:    strings.TrimRight(baseURL, "/") + opts.Path,
		opts:   opts,
		logger: opts.Logger,
	}
}

// OnChange registers fn for payloads with a new version.
func (c *Client) OnChange(fn func(syncstate.Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

// OnStatus registers fn for connection status transitions. err is the
// failure that caused a disconnect.
func (c *Client) OnStatus(fn func(Status, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = append(c.onStatus, fn)
}

// Version last delivered to OnChange.
func (c *Client) Version() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Run polls until ctx is done, which returns nil, or until MaxRetries
// consecutive polls fail.
func (c *Client) Run(ctx context.Context) error {
	failures := 0
	for {
		err := c.Poll(ctx)
		if ctx.Err() != nil {
			return nil
		}

		wait := c.opts.Interval
		if err != nil {
			failures++
			c.logger.Debug("sync poll failed", "url", c.url, "failures", failures, "error", err)
			c.setStatus(StatusDisconnected, err)
			if failures >= c.opts.MaxRetries {
				c.setStatus(StatusStopped, err)
				return fmt.Errorf("%w after %d failures: %w", ErrRetriesExhausted, failures, err)
			}
			wait = c.opts.RetryBackoff
		} else {
			failures = 0
			c.setStatus(StatusConnected, nil)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-c.opts.Clock.After(wait):
		}
	}
}

// Poll fetches the payload once and notifies listeners when its version
// changed.
func (c *Client) Poll(ctx context.Context) error {
	env, err := c.fetch(ctx)
	if err != nil {
		metrics.PollsTotal.WithLabelValues("error").Inc()
		return err
	}

	c.mu.Lock()
	changed := !c.seen || env.Version != c.version
	c.seen = true
	c.version = env.Version
	listeners := append([]func(syncstate.Envelope){}, c.onChange...)
	c.mu.Unlock()

	if !changed {
		metrics.PollsTotal.WithLabelValues("unchanged").Inc()
		return nil
	}
	metrics.PollsTotal.WithLabelValues("changed").Inc()
	for _, fn := range listeners {
		fn(env)
	}
	return nil
}

func (c *Client) fetch(ctx context.Context) (syncstate.Envelope, error) {
	target := c.url + "?t=" + strconv.FormatInt(c.opts.Clock.Now().UnixMilli(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return syncstate.Envelope{}, err
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return syncstate.Envelope{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return syncstate.Envelope{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var env syncstate.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return syncstate.Envelope{}, fmt.Errorf("decode payload: %w", err)
	}
	return env, nil
}

func (c *Client) setStatus(st Status, err error) {
	c.mu.Lock()
	if c.status == st {
		c.mu.Unlock()
		return
	}
	c.status = st
	listeners := append([]func(Status, error){}, c.onStatus...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(st, err)
	}
}
