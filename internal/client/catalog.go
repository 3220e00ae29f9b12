// Package client is the operator side of wpdepot: the settings store, the
// HTTP client for the catalog service and the views that reconcile local
// state with it.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wpdepot/wpdepot/internal/installbridge"
)

// APIKeyHeader authenticates catalog requests
const APIKeyHeader = "X-API-Key"

// Plugin is a catalog entry as served by the catalog API
type Plugin struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	FileURL     string    `json:"file_url"`
	Checksum    string    `json:"checksum"`
	SizeBytes   int64     `json:"size_bytes"`
	UploadDate  time.Time `json:"upload_date"`
	CreatedBy   *string   `json:"created_by,omitempty"`
}

// Server is a registered WordPress install target
type Server struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	APIKey    string    `json:"api_key,omitempty"`
	CreatedBy *string   `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// UploadRequest is one plugin archive upload. File and Version are required.
type UploadRequest struct {
	File        io.Reader
	Filename    string
	Version     string
	Description string
	// Name overrides the name read from the plugin header
	Name string
	// Signature is an optional detached OpenPGP signature of the archive
	Signature []byte
}

// CatalogClient calls the catalog service. Settings are re-read on every
// call so edits made by `wpdctl settings set` apply immediately.
type CatalogClient struct {
	settings   SettingsSource
	httpClient *http.Client
}

// ClientOption customises a CatalogClient
type ClientOption func(*CatalogClient)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cc *CatalogClient) { cc.httpClient = c }
}

// NewCatalogClient creates a client reading its endpoint from settings
func NewCatalogClient(settings SettingsSource, opts ...ClientOption) *CatalogClient {
	c := &CatalogClient{
		settings:   settings,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Credentials reports whether mutations can be sent, without touching the
// network: ErrConfigurationMissing when no server is configured,
// ErrUnauthenticated when settings carry no API key.
func (c *CatalogClient) Credentials() error {
	s, err := c.settings.Load()
	if err != nil {
		return err
	}
	if s.APIKey == "" {
		return ErrUnauthenticated
	}
	return nil
}

type request struct {
	method      string
	path        string
	body        io.Reader
	contentType string
	out         interface{}
}

func (c *CatalogClient) do(ctx context.Context, op string, r request) error {
	settings, err := c.settings.Load()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, r.method, strings.TrimRight(settings.ServerURL, "/")+r.path, r.body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	if settings.APIKey != "" {
		req.Header.Set(APIKeyHeader, settings.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportErr(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var e struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &e)
		msg := e.Error
		if msg == "" {
			msg = e.Message
		}
		return fmt.Errorf("%s: %w", op, &APIError{StatusCode: resp.StatusCode, Message: msg})
	}

	if r.out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(r.out); err != nil {
		return transportErr(op, fmt.Errorf("invalid response body: %w", err))
	}
	return nil
}

func idPath(prefix, id string, rest ...string) string {
	p := prefix + "/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + url.PathEscape(r)
	}
	return p
}

// ListPlugins returns every ready plugin, newest upload first
func (c *CatalogClient) ListPlugins(ctx context.Context) ([]Plugin, error) {
	var out struct {
		Plugins []Plugin `json:"plugins"`
	}
	if err := c.do(ctx, "list plugins", request{method: http.MethodGet, path: "/api/v1/plugins", out: &out}); err != nil {
		return nil, err
	}
	return out.Plugins, nil
}

// UploadPlugin streams the archive as multipart/form-data
func (c *CatalogClient) UploadPlugin(ctx context.Context, in UploadRequest) (*Plugin, error) {
	if in.File == nil || in.Version == "" {
		return nil, fmt.Errorf("%w: file and version are required", ErrValidation)
	}
	filename := in.Filename
	if filename == "" {
		filename = "plugin.zip"
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			for _, f := range [][2]string{
				{"version", in.Version},
				{"description", in.Description},
				{"name", in.Name},
			} {
				if f[1] == "" {
					continue
				}
				if err := mw.WriteField(f[0], f[1]); err != nil {
					return err
				}
			}
			if len(in.Signature) > 0 {
				sw, err := mw.CreateFormFile("signature", filename+".sig")
				if err != nil {
					return err
				}
				if _, err := sw.Write(in.Signature); err != nil {
					return err
				}
			}
			fw, err := mw.CreateFormFile("file", filename)
			if err != nil {
				return err
			}
			if _, err := io.Copy(fw, in.File); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	var p Plugin
	err := c.do(ctx, "upload plugin", request{
		method:      http.MethodPost,
		path:        "/api/v1/plugins",
		body:        pr,
		contentType: mw.FormDataContentType(),
		out:         &p,
	})
	// Unblock the writer goroutine if the request ended before reading the body.
	pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DeletePlugin removes a plugin. The catalog treats its metadata as
// authoritative: the call succeeds even if the archive could not be removed.
func (c *CatalogClient) DeletePlugin(ctx context.Context, id string) error {
	return c.do(ctx, "delete plugin", request{method: http.MethodDelete, path: idPath("/api/v1/plugins", id)})
}

// GetPluginDownloadURL returns the plugin's stable file_url. It fails with
// ErrNotFound when the id matches no ready plugin.
func (c *CatalogClient) GetPluginDownloadURL(ctx context.Context, id string) (string, error) {
	var out struct {
		DownloadURL string `json:"download_url"`
	}
	if err := c.do(ctx, "get download url", request{method: http.MethodGet, path: idPath("/api/v1/plugins", id, "download"), out: &out}); err != nil {
		return "", err
	}
	if out.DownloadURL == "" {
		return "", fmt.Errorf("get download url: %w", ErrNotFound)
	}
	return out.DownloadURL, nil
}

// ListServers returns the registered WordPress servers
func (c *CatalogClient) ListServers(ctx context.Context) ([]Server, error) {
	var out struct {
		Servers []Server `json:"servers"`
	}
	if err := c.do(ctx, "list servers", request{method: http.MethodGet, path: "/api/v1/servers", out: &out}); err != nil {
		return nil, err
	}
	return out.Servers, nil
}

// CreateServer registers a WordPress server. An empty apiKey asks the
// catalog to generate one; the response carries it in plaintext.
func (c *CatalogClient) CreateServer(ctx context.Context, name, baseURL, apiKey string) (*Server, error) {
	if name == "" || baseURL == "" {
		return nil, fmt.Errorf("%w: name and url are required", ErrValidation)
	}
	body, err := json.Marshal(map[string]string{"name": name, "url": baseURL, "api_key": apiKey})
	if err != nil {
		return nil, err
	}
	var s Server
	if err := c.do(ctx, "create server", request{
		method:      http.MethodPost,
		path:        "/api/v1/servers",
		body:        strings.NewReader(string(body)),
		contentType: "application/json",
		out:         &s,
	}); err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteServer unregisters a WordPress server
func (c *CatalogClient) DeleteServer(ctx context.Context, id string) error {
	return c.do(ctx, "delete server", request{method: http.MethodDelete, path: idPath("/api/v1/servers", id)})
}

// InstallOnServer asks the catalog to have a registered server install a plugin
func (c *CatalogClient) InstallOnServer(ctx context.Context, serverID, pluginID string) (*installbridge.InstallResult, error) {
	var res installbridge.InstallResult
	if err := c.do(ctx, "install plugin", request{
		method: http.MethodPost,
		path:   idPath("/api/v1/servers", serverID, "plugins", "install", pluginID),
		out:    &res,
	}); err != nil {
		return nil, err
	}
	return &res, nil
}

// CheckOnServer reports whether a registered server has the slug installed
func (c *CatalogClient) CheckOnServer(ctx context.Context, serverID, slug string) (bool, error) {
	var res installbridge.CheckResult
	if err := c.do(ctx, "check plugin", request{
		method: http.MethodGet,
		path:   idPath("/api/v1/servers", serverID, "plugins", "check", slug),
		out:    &res,
	}); err != nil {
		return false, err
	}
	return res.Installed, nil
}

// ListInstalledOnServer lists the plugins a registered server reports
func (c *CatalogClient) ListInstalledOnServer(ctx context.Context, serverID string) ([]installbridge.InstalledPlugin, error) {
	var out struct {
		Plugins []installbridge.InstalledPlugin `json:"plugins"`
	}
	if err := c.do(ctx, "list installed plugins", request{
		method: http.MethodGet,
		path:   idPath("/api/v1/servers", serverID, "plugins"),
		out:    &out,
	}); err != nil {
		return nil, err
	}
	return out.Plugins, nil
}

// NewBridge builds an install bridge for the companion named in settings.
// A catalog server URL is not needed for this.
func NewBridge(s *Settings) (*installbridge.Bridge, error) {
	if s == nil || s.CompanionURL == "" {
		return nil, fmt.Errorf("%w: companion_url is not set", ErrConfigurationMissing)
	}
	return installbridge.New(s.CompanionURL, s.CompanionAPIKey), nil
}
