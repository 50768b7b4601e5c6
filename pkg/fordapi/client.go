// Package fordapi is the low-level HTTP client for the Ford vehicle cloud and
// the Autonomic telemetry provider. It pins the endpoint URLs and per-family
// header sets the vendor requires and classifies failures into *Error.
package fordapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Vendor API hosts. The telemetry provider (Autonomic) is a distinct backend
// from the vehicle cloud and requires its own token.
const (
	FoundationalAPI   = "https://api.foundational.ford.com/api"
	VehicleAPI        = "https://api.vehicle.ford.com/api"
	AutonomicAPI      = "https://api.autonomic.ai/v1"
	AutonomicBetaAPI  = "https://api.autonomic.ai/v1beta"
	AutonomicWSHost   = "api.autonomic.ai"
	AutonomicWSPath   = "/v1beta/telemetry/sources/fordpass/vehicles/%s/ws"
	AutonomicAccounts = "https://accounts.autonomic.ai/v1"
)

const defaultUserAgent = "okhttp/4.12.0"

// MaxResponseLength bounds response bodies read into memory.
const MaxResponseLength = 4 * 1024 * 1024

// Config identifies the installation toward the vendor.
type Config struct {
	ApplicationID string // per-region application identifier
	Locale        string // e.g. "de-DE"
	CountryCode   string // e.g. "DEU"
	UserAgent     string
}

func (c *Config) userAgent() string {
	if c.UserAgent != "" {
		return c.UserAgent
	}
	return defaultUserAgent
}

// Client issues authenticated requests against the vendor APIs. The zero
// timeout of http.DefaultClient is deliberately not used; every call carries
// a context and the embedded client enforces a hard cap.
type Client struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 91 * time.Second},
		logger: logger.With().Str("component", "fordapi").Logger(),
	}
}

// SetHTTPClient replaces the underlying transport; used by tests and by the
// login flow which shares a cookie jar.
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.http = hc
}

// Config returns the vendor identification settings.
func (c *Client) Config() Config {
	return c.cfg
}

// baseHeaders is the header set shared by all vehicle-cloud requests.
func (c *Client) baseHeaders(h http.Header) {
	h.Set("Accept", "*/*")
	h.Set("Accept-Language", strings.ToLower(c.cfg.Locale))
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", c.cfg.userAgent())
	h.Set("Application-Id", c.cfg.ApplicationID)
}

// VehicleCloud issues a request against the vehicle cloud using the session
// token in the vendor's non-standard auth-token header. Pass a nil body for
// GET/DELETE. extra headers are applied last and may override defaults.
func (c *Client) VehicleCloud(ctx context.Context, method, rawURL, authToken string, body any, extra http.Header) ([]byte, error) {
	req, err := c.newRequest(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	c.baseHeaders(req.Header)
	req.Header.Set("auth-token", authToken)
	req.Header.Set("locale", c.cfg.Locale)
	req.Header.Set("countryCode", c.cfg.CountryCode)
	for k, vs := range extra {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return c.do(req)
}

// Telemetry issues a request against the Autonomic API using the telemetry
// token as a standard bearer credential.
func (c *Client) Telemetry(ctx context.Context, method, rawURL, bearer string, body any) ([]byte, error) {
	req, err := c.newRequest(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	c.baseHeaders(req.Header)
	req.Header.Set("Authorization", "Bearer "+bearer)
	return c.do(req)
}

// PostJSON sends an unauthenticated JSON request carrying the vendor
// identification headers; the token-bridge endpoints use this shape.
func (c *Client) PostJSON(ctx context.Context, rawURL string, body any) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodPost, rawURL, body)
	if err != nil {
		return nil, err
	}
	c.baseHeaders(req.Header)
	return c.do(req)
}

// PostForm sends an x-www-form-urlencoded body, as the OAuth token endpoints
// require, without any vendor identification headers.
func (c *Client) PostForm(ctx context.Context, rawURL string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &Error{URL: rawURL, Err: err}
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.cfg.userAgent())
	return c.do(req)
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		raw, ok := body.([]byte)
		if !ok {
			var err error
			raw, err = json.Marshal(body)
			if err != nil {
				return nil, err
			}
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, &Error{URL: rawURL, Err: err}
	}
	return req, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	c.logger.Debug().Str("method", req.Method).Str("url", req.URL.String()).Msg("request")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{URL: req.URL.String(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseLength+1))
	if err != nil {
		return nil, &Error{Status: resp.StatusCode, URL: req.URL.String(), Err: err}
	}
	if len(body) > MaxResponseLength {
		return nil, &Error{Status: resp.StatusCode, URL: req.URL.String(), Err: fmt.Errorf("response exceeds maximum length")}
	}
	// The dashboard endpoint answers 207 for partially available accounts.
	if resp.StatusCode < 200 || resp.StatusCode > 207 {
		c.logger.Debug().Int("status", resp.StatusCode).Str("url", req.URL.String()).Msg("request failed")
		return nil, &Error{Status: resp.StatusCode, URL: req.URL.String(), Body: string(body)}
	}
	return body, nil
}
