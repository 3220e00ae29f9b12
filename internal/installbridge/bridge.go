// Package installbridge is the HTTP client for the CMS-side companion. It
// checks whether a plugin is installed on a WordPress site and asks the site
// to install a catalog plugin by id.
//
// The boolean methods (CheckPluginInstallation, InstallPlugin) degrade to
// false on any error, for callers that only render a yes/no. The error
// returning methods (Check, Install, ListInstalled) are for callers that must
// tell "not installed" apart from "could not determine".
package installbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RoutePrefix is where the companion mounts its REST routes
const RoutePrefix = "/wp-json/lovable/v1"

// APIKeyHeader carries the companion's shared secret
const APIKeyHeader = "X-API-Key"

var (
	// ErrUnauthorized is returned when the companion rejects the API key
	ErrUnauthorized = errors.New("companion rejected the api key")
	// ErrNotFound is returned when the companion or its upstream has no such plugin
	ErrNotFound = errors.New("plugin not found")
)

// StatusError is a non-2xx companion response
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("companion returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("companion returned status %d: %s", e.StatusCode, e.Message)
}

// InstallStatus is the outcome the companion reports for an install
type InstallStatus string

const (
	StatusInstalled        InstallStatus = "installed"
	StatusAlreadyInstalled InstallStatus = "already_installed"
	StatusFailed           InstallStatus = "failed"
)

// InstallResult is the body of POST /plugins/install/{id}
type InstallResult struct {
	Success bool          `json:"success"`
	Status  InstallStatus `json:"status"`
	Message string        `json:"message,omitempty"`
	Slug    string        `json:"slug,omitempty"`
	Version string        `json:"version,omitempty"`
}

// OK reports whether the plugin is present after the call
func (r *InstallResult) OK() bool {
	return r != nil && (r.Status == StatusInstalled || r.Status == StatusAlreadyInstalled)
}

// InstalledPlugin is one entry of GET /plugins
type InstalledPlugin struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Version     string `json:"version"`
	Description string `json:"description"`
	FilePath    string `json:"file_path"`
	Active      bool   `json:"active"`
}

// CheckResult is the body of GET /plugins/check/{name}
type CheckResult struct {
	Installed bool   `json:"installed"`
	Version   string `json:"version,omitempty"`
}

// Bridge talks to one companion
type Bridge struct {
	baseURL string
	apiKey  string

	// HTTPClient serves checks and listings. Installs use InstallClient,
	// since the companion downloads and unpacks the archive before replying.
	HTTPClient    *http.Client
	InstallClient *http.Client
	logger        *slog.Logger
}

// Option customises a Bridge
type Option func(*Bridge)

// WithHTTPClient replaces both HTTP clients, mostly for tests
func WithHTTPClient(c *http.Client) Option {
	return func(b *Bridge) {
		b.HTTPClient = c
		b.InstallClient = c
	}
}

// WithLogger sets the logger used for degraded boolean calls
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// New creates a Bridge for the WordPress site at baseURL
func New(baseURL, apiKey string, opts ...Option) *Bridge {
	b := &Bridge{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        apiKey,
		HTTPClient:    &http.Client{Timeout: 15 * time.Second},
		InstallClient: &http.Client{Timeout: 5 * time.Minute},
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bridge) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return b.baseURL + RoutePrefix + "/" + strings.Join(escaped, "/")
}

func (b *Bridge) do(ctx context.Context, client *http.Client, method, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create companion request: %w", err)
	}
	req.Header.Set(APIKeyHeader, b.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("companion request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read companion response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// The install route reports failures in its normal body shape.
		if out != nil && json.Unmarshal(body, out) == nil {
			if r, ok := out.(*InstallResult); ok && r.Status != "" {
				return statusErr(resp.StatusCode, r.Message)
			}
		}
		var e struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &e)
		msg := e.Error
		if msg == "" {
			msg = e.Message
		}
		return statusErr(resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode companion response: %w", err)
	}
	return nil
}

func statusErr(code int, msg string) error {
	se := &StatusError{StatusCode: code, Message: msg}
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrUnauthorized, se)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, se)
	}
	return se
}

// Check reports whether a plugin with exactly this slug is installed
func (b *Bridge) Check(ctx context.Context, slug string) (bool, error) {
	var res CheckResult
	if err := b.do(ctx, b.HTTPClient, http.MethodGet, b.endpoint("plugins", "check", slug), &res); err != nil {
		return false, err
	}
	return res.Installed, nil
}

// CheckPluginInstallation is Check with errors reported as false
func (b *Bridge) CheckPluginInstallation(ctx context.Context, slug string) bool {
	installed, err := b.Check(ctx, slug)
	if err != nil {
		b.logger.Warn("plugin installation check failed", "site", b.baseURL, "slug", slug, "error", err)
		return false
	}
	return installed
}

// Install asks the companion to resolve pluginID against its upstream
// catalog and install it. The companion checks and installs under one lock,
// so a plugin that is already present comes back as StatusAlreadyInstalled.
func (b *Bridge) Install(ctx context.Context, pluginID string) (*InstallResult, error) {
	var res InstallResult
	if err := b.do(ctx, b.InstallClient, http.MethodPost, b.endpoint("plugins", "install", pluginID), &res); err != nil {
		return nil, err
	}
	if res.Status == "" {
		if res.Success {
			res.Status = StatusInstalled
		} else {
			res.Status = StatusFailed
		}
	}
	return &res, nil
}

// InstallPlugin is Install reduced to whether the plugin ended up installed
func (b *Bridge) InstallPlugin(ctx context.Context, pluginID string) bool {
	res, err := b.Install(ctx, pluginID)
	if err != nil {
		b.logger.Warn("plugin install failed", "site", b.baseURL, "plugin_id", pluginID, "error", err)
		return false
	}
	return res.OK()
}

// ListInstalled returns every plugin the companion finds on the site
func (b *Bridge) ListInstalled(ctx context.Context) ([]InstalledPlugin, error) {
	var plugins []InstalledPlugin
	if err := b.do(ctx, b.HTTPClient, http.MethodGet, b.endpoint("plugins"), &plugins); err != nil {
		return nil, err
	}
	return plugins, nil
}

// Health pings the companion's unauthenticated health route
func (b *Bridge) Health(ctx context.Context) error {
	return b.do(ctx, b.HTTPClient, http.MethodGet, b.baseURL+"/health", nil)
}
