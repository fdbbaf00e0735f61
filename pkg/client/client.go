package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/loykin/storops/internal/jobhelper"
	"github.com/loykin/storops/pkg/unity"
)

// Client talks to the job API of a running `storops serve`.
type Client struct {
	baseURL   string
	client    *http.Client
	logger    *slog.Logger
	timeout   time.Duration
	waitSlack time.Duration
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout bounds ordinary requests. Wait requests are bounded by their
	// own timeout plus WaitSlack instead.
	Timeout   time.Duration
	WaitSlack time.Duration
	Logger    *slog.Logger // Optional logger for client operations
	TLS       *TLSClientConfig
	Insecure  bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL:   "http://127.0.0.1:8080/api",
		Timeout:   10 * time.Second,
		WaitSlack: 10 * time.Second,
	}
}

// New creates a new storops API client with TLS support
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.WaitSlack == 0 {
		config.WaitSlack = def.WaitSlack
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL:   config.BaseURL,
		logger:    config.Logger,
		timeout:   config.Timeout,
		waitSlack: config.WaitSlack,
		// per-request deadlines come from the context
		client: &http.Client{Transport: transport},
	}
}

// Health is the /health payload.
type Health struct {
	Started bool   `json:"started"`
	Error   string `json:"error,omitempty"`
}

// Health reports whether the daemon's poller runs. A stopped poller is
// not an error; transport failures are.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	status, err := c.getJSON(ctx, "/health", &h)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("health: HTTP %d", status)
	}
	return &h, nil
}

// Jobs lists the jobs the daemon currently tracks.
func (c *Client) Jobs(ctx context.Context) ([]*unity.Job, error) {
	var jobs []*unity.Job
	status, err := c.getJSON(ctx, "/jobs", &jobs)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("jobs: HTTP %d", status)
	}
	return jobs, nil
}

// Job returns the tracked snapshot of id, or nil when the daemon does not track it.
func (c *Client) Job(ctx context.Context, id string) (*unity.Job, error) {
	var job unity.Job
	status, err := c.getJSON(ctx, "/jobs/"+url.PathEscape(id), &job)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return &job, nil
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("job %s: HTTP %d", id, status)
	}
}

type waitResponse struct {
	Error string     `json:"error"`
	Job   *unity.Job `json:"job"`
}

// WaitJob asks the daemon to wait for id. Errors mirror a local wait:
// *jobhelper.JobStateError, *jobhelper.JobTimeoutError or
// *jobhelper.PollerStoppedError.
func (c *Client) WaitJob(ctx context.Context, id string, timeout, interval time.Duration) (*unity.Job, error) {
	q := url.Values{}
	if timeout > 0 {
		q.Set("timeout", timeout.String())
	}
	if interval > 0 {
		q.Set("interval", interval.String())
	}
	u := c.baseURL + "/jobs/" + url.PathEscape(id) + "/wait"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	budget := timeout
	if budget <= 0 {
		budget = jobhelper.DefaultWaitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, budget+c.waitSlack)
	defer cancel()

	c.logger.Debug("Waiting for job via daemon", "job", id, "timeout", timeout)
	resp, err := c.do(ctx, http.MethodPost, u)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK {
		var job unity.Job
		if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		return &job, nil
	}

	var wr waitResponse
	_ = json.NewDecoder(resp.Body).Decode(&wr)
	switch resp.StatusCode {
	case http.StatusConflict:
		if wr.Job == nil {
			wr.Job = unity.NewJob(id)
		}
		return nil, &jobhelper.JobStateError{Job: wr.Job}
	case http.StatusGatewayTimeout:
		return nil, &jobhelper.JobTimeoutError{JobID: id, Timeout: budget, Last: wr.Job}
	case http.StatusServiceUnavailable:
		return nil, &jobhelper.PollerStoppedError{Err: errors.New(wr.Error)}
	default:
		c.logger.Error("API request failed", "error", wr.Error, "status", resp.StatusCode)
		if wr.Error == "" {
			return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("API error: %s", wr.Error)
	}
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusServiceUnavailable {
		if err := json.Unmarshal(body, dst); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) do(ctx context.Context, method, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", u)
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	// Handle insecure mode (skip verification)
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}
