package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/wpdepot/wpdepot/internal/installbridge"
)

// MutationState is where a catalog mutation is in its lifecycle
type MutationState int

const (
	Idle MutationState = iota
	Pending
	Success
	Error
)

func (s MutationState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Success:
		return "success"
	case Error:
		return "error"
	}
	return fmt.Sprintf("MutationState(%d)", int(s))
}

// Mutation tracks one kind of mutation: idle → pending → success | error.
// Reset returns a settled mutation to idle.
type Mutation struct {
	mu    sync.Mutex
	state MutationState
	err   error
}

// State returns the current state
func (m *Mutation) State() MutationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the error of the last failed run, nil otherwise
func (m *Mutation) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Reset moves the mutation back to idle
func (m *Mutation) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state, m.err = Idle, nil
}

func (m *Mutation) begin() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state, m.err = Pending, nil
}

// settle records the outcome. It returns err so callers can write
// `return m.settle(err)`.
func (m *Mutation) settle(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state, m.err = Error, err
	} else {
		m.state = Success
	}
	return err
}

// fail settles a mutation that never reached the network
func (m *Mutation) fail(err error) error {
	m.begin()
	return m.settle(err)
}

// listCache holds the last fetched list until invalidated. Lists are only
// ever replaced by a full re-fetch, never patched locally.
type listCache[T any] struct {
	mu      sync.Mutex
	items   []T
	valid   bool
	lastErr error
}

func (c *listCache[T]) get(ctx context.Context, fetch func(context.Context) ([]T, error), force bool) ([]T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid && !force {
		return append([]T(nil), c.items...), nil
	}
	items, err := fetch(ctx)
	c.lastErr = err
	if err != nil {
		return nil, err
	}
	c.items, c.valid = items, true
	return append([]T(nil), items...), nil
}

func (c *listCache[T]) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
}

func (c *listCache[T]) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// CatalogAPI is the part of CatalogClient the catalog view drives
type CatalogAPI interface {
	Credentials() error
	ListPlugins(ctx context.Context) ([]Plugin, error)
	UploadPlugin(ctx context.Context, in UploadRequest) (*Plugin, error)
	DeletePlugin(ctx context.Context, id string) error
	GetPluginDownloadURL(ctx context.Context, id string) (string, error)
}

// InstallTarget installs catalog plugins somewhere: directly through a
// companion (installbridge.Bridge) or through the catalog's server proxy
// (ServerTarget).
type InstallTarget interface {
	Install(ctx context.Context, pluginID string) (*installbridge.InstallResult, error)
}

// ServerTarget installs onto a registered server via the catalog service
type ServerTarget struct {
	Client   *CatalogClient
	ServerID string
}

// Install implements InstallTarget
func (t ServerTarget) Install(ctx context.Context, pluginID string) (*installbridge.InstallResult, error) {
	return t.Client.InstallOnServer(ctx, t.ServerID, pluginID)
}

// CatalogView owns one operator session's view of the catalog
type CatalogView struct {
	api     CatalogAPI
	plugins listCache[Plugin]

	upload  Mutation
	delete  Mutation
	install Mutation
}

// NewCatalogView creates an empty view; the first Plugins call fetches
func NewCatalogView(api CatalogAPI) *CatalogView {
	return &CatalogView{api: api}
}

// UploadMutation exposes the upload state machine
func (v *CatalogView) UploadMutation() *Mutation { return &v.upload }

// DeleteMutation exposes the delete state machine
func (v *CatalogView) DeleteMutation() *Mutation { return &v.delete }

// InstallMutation exposes the install state machine
func (v *CatalogView) InstallMutation() *Mutation { return &v.install }

// Plugins returns the cached list, fetching it when invalid
func (v *CatalogView) Plugins(ctx context.Context) ([]Plugin, error) {
	return v.plugins.get(ctx, v.api.ListPlugins, false)
}

// Refresh re-fetches the list unconditionally
func (v *CatalogView) Refresh(ctx context.Context) ([]Plugin, error) {
	return v.plugins.get(ctx, v.api.ListPlugins, true)
}

// RefreshErr is the error of the most recent fetch, if it failed
func (v *CatalogView) RefreshErr() error {
	return v.plugins.err()
}

// reconcile drops the cached list and fetches the authoritative one. A
// failed re-fetch leaves the list invalid; it does not fail the mutation.
func (v *CatalogView) reconcile(ctx context.Context) {
	v.plugins.invalidate()
	_, _ = v.Refresh(ctx)
}

// Upload validates and uploads an archive. Without a configured server or an
// API key it fails with ErrConfigurationMissing or ErrUnauthenticated before
// any request.
func (v *CatalogView) Upload(ctx context.Context, in UploadRequest) (*Plugin, error) {
	if err := v.api.Credentials(); err != nil {
		return nil, v.upload.fail(err)
	}
	if in.File == nil {
		return nil, v.upload.fail(fmt.Errorf("%w: a plugin archive is required", ErrValidation))
	}
	if in.Version == "" {
		return nil, v.upload.fail(fmt.Errorf("%w: version is required", ErrValidation))
	}

	v.upload.begin()
	p, err := v.api.UploadPlugin(ctx, in)
	if err != nil {
		return nil, v.upload.settle(err)
	}
	v.reconcile(ctx)
	_ = v.upload.settle(nil)
	return p, nil
}

// Delete removes a plugin, with the same credential gate as Upload
func (v *CatalogView) Delete(ctx context.Context, id string) error {
	if err := v.api.Credentials(); err != nil {
		return v.delete.fail(err)
	}
	if id == "" {
		return v.delete.fail(fmt.Errorf("%w: plugin id is required", ErrValidation))
	}

	v.delete.begin()
	if err := v.api.DeletePlugin(ctx, id); err != nil {
		return v.delete.settle(err)
	}
	v.reconcile(ctx)
	return v.delete.settle(nil)
}

// DownloadURL resolves a plugin's file_url
func (v *CatalogView) DownloadURL(ctx context.Context, id string) (string, error) {
	return v.api.GetPluginDownloadURL(ctx, id)
}

// Install asks target to install pluginID in one call. The target checks
// and installs atomically, so StatusAlreadyInstalled is a success the
// caller can report distinctly. The catalog list is not touched.
func (v *CatalogView) Install(ctx context.Context, target InstallTarget, pluginID string) (*installbridge.InstallResult, error) {
	if pluginID == "" {
		return nil, v.install.fail(fmt.Errorf("%w: plugin id is required", ErrValidation))
	}
	v.install.begin()
	res, err := target.Install(ctx, pluginID)
	if err != nil {
		return nil, v.install.settle(err)
	}
	if !res.OK() {
		return res, v.install.settle(fmt.Errorf("install failed: %s", res.Message))
	}
	return res, v.install.settle(nil)
}

// ServerAPI is the part of CatalogClient the server view drives
type ServerAPI interface {
	Credentials() error
	ListServers(ctx context.Context) ([]Server, error)
	CreateServer(ctx context.Context, name, baseURL, apiKey string) (*Server, error)
	DeleteServer(ctx context.Context, id string) error
}

// ServerView is the registered-server counterpart of CatalogView
type ServerView struct {
	api     ServerAPI
	servers listCache[Server]

	create Mutation
	delete Mutation
}

// NewServerView creates an empty server view
func NewServerView(api ServerAPI) *ServerView {
	return &ServerView{api: api}
}

// CreateMutation exposes the create state machine
func (v *ServerView) CreateMutation() *Mutation { return &v.create }

// DeleteMutation exposes the delete state machine
func (v *ServerView) DeleteMutation() *Mutation { return &v.delete }

// Servers returns the cached list, fetching it when invalid
func (v *ServerView) Servers(ctx context.Context) ([]Server, error) {
	return v.servers.get(ctx, v.api.ListServers, false)
}

func (v *ServerView) reconcile(ctx context.Context) {
	v.servers.invalidate()
	_, _ = v.servers.get(ctx, v.api.ListServers, true)
}

// Create registers a server
func (v *ServerView) Create(ctx context.Context, name, baseURL, apiKey string) (*Server, error) {
	if err := v.api.Credentials(); err != nil {
		return nil, v.create.fail(err)
	}
	if name == "" || baseURL == "" {
		return nil, v.create.fail(fmt.Errorf("%w: name and url are required", ErrValidation))
	}
	v.create.begin()
	s, err := v.api.CreateServer(ctx, name, baseURL, apiKey)
	if err != nil {
		return nil, v.create.settle(err)
	}
	v.reconcile(ctx)
	_ = v.create.settle(nil)
	return s, nil
}

// Delete unregisters a server
func (v *ServerView) Delete(ctx context.Context, id string) error {
	if err := v.api.Credentials(); err != nil {
		return v.delete.fail(err)
	}
	v.delete.begin()
	if err := v.api.DeleteServer(ctx, id); err != nil {
		return v.delete.settle(err)
	}
	v.reconcile(ctx)
	return v.delete.settle(nil)
}
