package unity

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
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"
)

const (
	headerCSRFToken  = "EMC-CSRF-TOKEN"
	headerRESTClient = "X-EMC-REST-CLIENT"
)

// Client talks to the Unity REST API of one array.
type Client struct {
	baseURL  string
	username string
	password string
	http     *retryablehttp.Client
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu        sync.Mutex
	csrfToken string
}

// Config holds client configuration
type Config struct {
	Host      string        // management address, "10.0.0.1" or "https://10.0.0.1:443"
	Username  string
	Password  string
	Timeout   time.Duration // per attempt
	Retries   int           // retries on connection errors and 5xx
	RateLimit float64       // requests per second, 0 disables pacing
	RateBurst int
	Logger    *slog.Logger // Optional logger for client operations
	TLS       *TLSClientConfig
	Insecure  bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Retries: 3,
	}
}

// New creates a client for the array at config.Host.
func New(config Config) (*Client, error) {
	base, err := baseURL(config.Host)
	if err != nil {
		return nil, err
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Retries < 0 {
		config.Retries = 0
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Timeout: config.Timeout, Transport: transport}
	rc.RetryMax = config.Retries
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = config.Logger
	// hand the final response back to us so error bodies can be decoded
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	return &Client{
		baseURL:  base,
		username: config.Username,
		password: config.Password,
		http:     rc,
		limiter:  limiter,
		logger:   config.Logger,
	}, nil
}

// BaseURL returns the API root, e.g. https://10.0.0.1/api.
func (c *Client) BaseURL() string { return c.baseURL }

func baseURL(host string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", errors.New("unity host is required")
	}
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("parse unity host: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid unity host %q", host)
	}
	return strings.TrimRight(u.Scheme+"://"+u.Host+strings.TrimRight(u.Path, "/"), "/") + "/api", nil
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	// Handle insecure mode (skip verification)
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

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

// get performs a GET and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	_, body, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// do performs one request and returns status and body of a 2xx response.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any) (int, []byte, error) {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		body = b
	}

	if method != http.MethodGet {
		if err := c.ensureCSRFToken(ctx); err != nil {
			return 0, nil, err
		}
	}

	status, respBody, err := c.send(ctx, method, path, query, body)
	if err != nil {
		return status, nil, err
	}
	if status == http.StatusUnauthorized && method != http.MethodGet {
		// the session token expired; fetch a new one and try once more
		c.setCSRFToken("")
		if err := c.ensureCSRFToken(ctx); err != nil {
			return 0, nil, err
		}
		status, respBody, err = c.send(ctx, method, path, query, body)
		if err != nil {
			return status, nil, err
		}
	}
	if status < 200 || status >= 300 {
		apiErr := newAPIError(status, respBody)
		c.logger.Debug("Unity request failed", "method", method, "path", path, "status", status, "error", apiErr)
		return status, nil, apiErr
	}
	return status, respBody, nil
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, body []byte) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody any
	if body != nil {
		reqBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set(headerRESTClient, "true")
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(); token != "" {
		req.Header.Set(headerCSRFToken, token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "method", method, "url", u)
		return 0, nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if t := resp.Header.Get(headerCSRFToken); t != "" {
		c.setCSRFToken(t)
	}
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// ensureCSRFToken fetches the session token mutating requests must carry.
func (c *Client) ensureCSRFToken(ctx context.Context) error {
	if c.token() != "" {
		return nil
	}
	if _, _, err := c.send(ctx, http.MethodGet, "/types/loginSessionInfo/instances", nil, nil); err != nil {
		return fmt.Errorf("fetch csrf token: %w", err)
	}
	if c.token() == "" {
		return errors.New("fetch csrf token: array did not return " + headerCSRFToken)
	}
	return nil
}

func (c *Client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.csrfToken
}

func (c *Client) setCSRFToken(t string) {
	c.mu.Lock()
	c.csrfToken = t
	c.mu.Unlock()
}
