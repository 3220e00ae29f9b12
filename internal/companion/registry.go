package companion

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/wpdepot/wpdepot/internal/installbridge"
	"github.com/wpdepot/wpdepot/internal/validation"
)

// Registry discovers installed plugins the way WordPress does: each
// directory under the plugins dir, plus single-file plugins at its top
// level, whose .php files carry a "Plugin Name:" header.
type Registry struct {
	dir    string
	active func() []string
}

// NewRegistry scans dir. active supplies the slugs to report as active and
// is called on every scan so config reloads apply.
func NewRegistry(dir string, active func() []string) *Registry {
	if active == nil {
		active = func() []string { return nil }
	}
	return &Registry{dir: dir, active: active}
}

// Dir returns the plugins directory
func (r *Registry) Dir() string {
	return r.dir
}

// List returns every plugin found, sorted by slug
func (r *Registry) List() ([]installbridge.InstalledPlugin, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugins directory: %w", err)
	}

	activeSet := make(map[string]bool)
	for _, s := range r.active() {
		activeSet[s] = true
	}

	var plugins []installbridge.InstalledPlugin
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		switch {
		case e.IsDir():
			if p, ok := r.scanDir(name); ok {
				p.Active = activeSet[p.Slug]
				plugins = append(plugins, p)
			}
		case strings.EqualFold(filepath.Ext(name), ".php"):
			if h, ok := readHeader(filepath.Join(r.dir, name)); ok {
				slug := strings.TrimSuffix(name, filepath.Ext(name))
				plugins = append(plugins, toInstalled(slug, name, h, activeSet[slug]))
			}
		}
	}
	sort.Slice(plugins, func(i, j int) bool { return plugins[i].Slug < plugins[j].Slug })
	return plugins, nil
}

// scanDir finds the main file of one plugin directory, preferring <slug>.php
func (r *Registry) scanDir(slug string) (installbridge.InstalledPlugin, bool) {
	files, err := os.ReadDir(filepath.Join(r.dir, slug))
	if err != nil {
		return installbridge.InstalledPlugin{}, false
	}
	var candidates []string
	for _, f := range files {
		if f.Type().IsRegular() && strings.EqualFold(filepath.Ext(f.Name()), ".php") {
			candidates = append(candidates, f.Name())
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i] == slug+".php" && candidates[j] != slug+".php"
	})
	for _, c := range candidates {
		if h, ok := readHeader(filepath.Join(r.dir, slug, c)); ok {
			return toInstalled(slug, slug+"/"+c, h, false), true
		}
	}
	return installbridge.InstalledPlugin{}, false
}

func readHeader(path string) (*validation.PluginHeader, bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()
	return validation.ParsePluginHeader(f)
}

func toInstalled(slug, filePath string, h *validation.PluginHeader, active bool) installbridge.InstalledPlugin {
	return installbridge.InstalledPlugin{
		Name:        h.Name,
		Slug:        slug,
		Version:     h.Version,
		Description: h.Description,
		FilePath:    filePath,
		Active:      active,
	}
}

// Lookup returns the installed plugin whose slug equals slug exactly.
// A slug is the plugin's directory name, or the file name without .php for
// single-file plugins.
func (r *Registry) Lookup(slug string) (*installbridge.InstalledPlugin, error) {
	plugins, err := r.List()
	if err != nil {
		return nil, err
	}
	for i := range plugins {
		if plugins[i].Slug == slug {
			return &plugins[i], nil
		}
	}
	return nil, nil
}
