package companion

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/wpdepot/wpdepot/internal/validation"
	"github.com/wpdepot/wpdepot/pkg/checksum"
)

// ErrArchiveTooLarge is returned when a download exceeds the size cap
var ErrArchiveTooLarge = errors.New("plugin archive exceeds the size limit")

// ErrTargetOccupied is returned when the slug directory exists but holds no plugin
var ErrTargetOccupied = errors.New("target directory exists and is not a plugin")

// Outcome is what an install did
type Outcome struct {
	Slug             string
	Version          string
	Checksum         string
	AlreadyInstalled bool
}

// Installer installs a plugin archive from a URL. Implementations must
// check for an existing install and install under one critical section so
// concurrent calls for the same plugin install it once.
type Installer interface {
	Install(ctx context.Context, archiveURL string) (*Outcome, error)
}

// DirInstaller unpacks archives into a WordPress plugins directory
type DirInstaller struct {
	registry *Registry
	client   *http.Client
	maxBytes int64
	limits   validation.Limits

	// mu serialises the exists-check and the rename into place
	mu sync.Mutex
}

// NewDirInstaller installs into registry's directory, downloading at most maxBytes
func NewDirInstaller(registry *Registry, maxBytes int64, timeout time.Duration) *DirInstaller {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &DirInstaller{
		registry: registry,
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
		limits:   validation.DefaultLimits,
	}
}

// Install downloads, validates and unpacks the archive at archiveURL
func (d *DirInstaller) Install(ctx context.Context, archiveURL string) (*Outcome, error) {
	tmp, sum, err := d.download(ctx, archiveURL)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	st, err := tmp.Stat()
	if err != nil {
		return nil, err
	}
	info, err := validation.InspectArchive(tmp, st.Size(), d.limits)
	if err != nil {
		return nil, err
	}

	slug, err := validation.ArchiveSlug(info, archiveBaseName(archiveURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", validation.ErrInvalidArchive, err)
	}
	out := &Outcome{Slug: slug, Checksum: sum}
	if info.Header != nil {
		out.Version = info.Header.Version
	}

	staging, err := os.MkdirTemp(d.registry.Dir(), ".wpd-install-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	zr, err := zip.NewReader(tmp, st.Size())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", validation.ErrInvalidArchive, err)
	}
	extractRoot := staging
	if info.RootDir == "" {
		extractRoot = filepath.Join(staging, slug)
	}
	if err := extract(zr, extractRoot); err != nil {
		return nil, err
	}
	built := filepath.Join(staging, slug)

	d.mu.Lock()
	defer d.mu.Unlock()

	target := filepath.Join(d.registry.Dir(), slug)
	if _, err := os.Stat(target); err == nil {
		existing, err := d.registry.Lookup(slug)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("%w: %s", ErrTargetOccupied, slug)
		}
		out.AlreadyInstalled = true
		out.Version = existing.Version
		return out, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if err := os.Rename(built, target); err != nil {
		return nil, fmt.Errorf("failed to move plugin into place: %w", err)
	}
	return out, nil
}

// download copies the archive into a temp file, failing once it passes maxBytes
func (d *DirInstaller) download(ctx context.Context, archiveURL string) (*os.File, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, archiveURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("invalid archive url: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download archive: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("failed to download archive: status %d", resp.StatusCode)
	}
	if d.maxBytes > 0 && resp.ContentLength > d.maxBytes {
		return nil, "", ErrArchiveTooLarge
	}

	tmp, err := os.CreateTemp("", "wpd-archive-*.zip")
	if err != nil {
		return nil, "", err
	}
	fail := func(err error) (*os.File, string, error) {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, "", err
	}

	var src io.Reader = resp.Body
	if d.maxBytes > 0 {
		src = io.LimitReader(resp.Body, d.maxBytes+1)
	}
	src, sum := checksum.TeeReader(src)
	if _, err := io.Copy(tmp, src); err != nil {
		return fail(fmt.Errorf("failed to download archive: %w", err))
	}
	if d.maxBytes > 0 && sum.Size() > d.maxBytes {
		return fail(ErrArchiveTooLarge)
	}
	return tmp, sum.Sum(), nil
}

// extract writes every entry under root, re-checking that no entry escapes it
func extract(zr *zip.Reader, root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	for _, f := range zr.File {
		if err := validation.ValidateEntryPath(f.Name); err != nil {
			return fmt.Errorf("%w: %v", validation.ErrInvalidArchive, err)
		}
		target := filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(f.Name, "./")))
		if rel, err := filepath.Rel(root, target); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("%w: entry escapes plugin directory: %s", validation.ErrInvalidArchive, f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: cannot read %s: %v", validation.ErrInvalidArchive, f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	// The header size was checked by InspectArchive; cap the copy in case it lied.
	if _, err := io.Copy(out, io.LimitReader(rc, int64(f.UncompressedSize64)+1)); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// archiveBaseName turns .../plugin-files/1700000000000-my-plugin.zip into my-plugin
func archiveBaseName(archiveURL string) string {
	p := archiveURL
	if u, err := url.Parse(archiveURL); err == nil {
		p = u.Path
	}
	return validation.ArchiveStem(p)
}
