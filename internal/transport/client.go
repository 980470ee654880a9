package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/nodewarden/pkg/api"
)

const (
	DefaultTimeout    = 10 * time.Second
	DefaultAuthScheme = "Bearer"
	StatusPath        = "/status"

	maxResponseBytes = 64 << 20
)

// Options configures a Client.
type Options struct {
	Timeout    time.Duration
	AuthScheme string
	// HTTPClient overrides the pooled default; its own Timeout is left untouched.
	HTTPClient *http.Client
}

// Client performs single authenticated calls against agents and normalizes the
// outcome. It never retries and never touches agent status.
type Client struct {
	http    *http.Client
	timeout time.Duration
	scheme  string
}

// Result is a CommandResult plus what the caller needs to judge liveness.
type Result struct {
	api.CommandResult
	Latency time.Duration
	// Transport is set when no well-formed agent reply was received.
	Transport bool
}

// ProbeResult is the outcome of one health probe.
type ProbeResult struct {
	OK      bool
	Latency time.Duration
	Err     error
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.AuthScheme == "" {
		opts.AuthScheme = DefaultAuthScheme
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &Client{http: hc, timeout: opts.Timeout, scheme: opts.AuthScheme}
}

// Timeout returns the per-call deadline.
func (c *Client) Timeout() time.Duration { return c.timeout }

// Call sends cmd to POST {baseUrl}/{action}.
func (c *Client) Call(ctx context.Context, node api.Node, cmd api.Command) Result {
	start := time.Now()
	res := c.call(ctx, node, cmd)
	res.Latency = time.Since(start)
	ev := log.Debug()
	if !res.Success {
		ev = log.Debug().Str("error", res.Error).Bool("transport", res.Transport)
	}
	ev.Str("node", node.UUID).
		Str("action", cmd.Action).
		Str("server", cmd.ServerID).
		Dur("latency", res.Latency).
		Bool("success", res.Success).
		Msg("agent call")
	return res
}

func (c *Client) call(ctx context.Context, node api.Node, cmd api.Command) Result {
	body, err := json.Marshal(cmd)
	if err != nil {
		return Result{CommandResult: api.Fail(fmt.Sprintf("encode command: %v", err))}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(node.BaseURL, cmd.Action), bytes.NewReader(body))
	if err != nil {
		return transportFailure(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	c.authorize(req, node)

	resp, err := c.http.Do(req)
	if err != nil {
		return transportFailure(describe(err, c.timeout))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return transportFailure(fmt.Errorf("read response: %w", err))
	}

	var envelope api.CommandResult
	if err := json.Unmarshal(raw, &envelope); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return transportFailure(fmt.Errorf("agent returned status %d: %s", resp.StatusCode, snippet(raw)))
		}
		return transportFailure(fmt.Errorf("decode response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := envelope.Error
		if msg == "" {
			msg = fmt.Sprintf("agent returned status %d", resp.StatusCode)
		}
		return Result{CommandResult: api.Fail(msg)}
	}
	if !envelope.Success && envelope.Error == "" {
		envelope.Error = "agent reported failure"
	}
	return Result{CommandResult: envelope}
}

// Probe issues GET {baseUrl}/status. Anything but a 2xx carrying an online
// indicator is a failed probe.
func (c *Client) Probe(ctx context.Context, node api.Node) ProbeResult {
	start := time.Now()
	err := c.probe(ctx, node)
	return ProbeResult{OK: err == nil, Latency: time.Since(start), Err: err}
}

func (c *Client) probe(ctx context.Context, node api.Node) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(node.BaseURL, StatusPath), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req, node)

	resp, err := c.http.Do(req)
	if err != nil {
		return describe(err, c.timeout)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}

	var st struct {
		Status  string `json:"status"`
		Online  *bool  `json:"online"`
		Success *bool  `json:"success"`
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	switch strings.ToLower(st.Status) {
	case "ok", "online", "healthy":
		return nil
	}
	if st.Online != nil && *st.Online {
		return nil
	}
	if st.Success != nil && *st.Success {
		return nil
	}
	return errors.New("agent did not report online")
}

func (c *Client) authorize(req *http.Request, node api.Node) {
	if node.APIKey != "" {
		req.Header.Set("Authorization", c.scheme+" "+node.APIKey)
	}
}

func transportFailure(err error) Result {
	return Result{CommandResult: api.Fail(err.Error()), Transport: true}
}

func describe(err error, timeout time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("agent request timed out after %s", timeout)
	}
	return fmt.Errorf("agent request failed: %w", err)
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

const maxSnippet = 200

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= maxSnippet {
		return s
	}
	cut := maxSnippet
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
