// Package validation checks plugin archives before they are stored or
// extracted: zip structure and path safety, the WordPress plugin header,
// slug derivation, version ordering and detached OpenPGP signatures.
package validation

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// Limits bound what an archive may expand to
type Limits struct {
	MaxFiles            int
	MaxUncompressedSize int64
}

// DefaultLimits are generous for WordPress plugins, which rarely exceed a
// few thousand files.
var DefaultLimits = Limits{
	MaxFiles:            20000,
	MaxUncompressedSize: 512 << 20,
}

// ErrInvalidArchive wraps every structural rejection
var ErrInvalidArchive = errors.New("invalid plugin archive")

var zipMagic = [][]byte{
	{'P', 'K', 0x03, 0x04},
	{'P', 'K', 0x05, 0x06},
}

// ArchiveInfo describes a validated plugin zip
type ArchiveInfo struct {
	// RootDir is the single top-level directory, or "" if entries sit at
	// the archive root or under several directories
	RootDir          string
	Files            int
	UncompressedSize int64
	// MainFile is the archive path of the .php file carrying the plugin
	// header, "" when none was found
	MainFile string
	Header   *PluginHeader
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArchive, fmt.Sprintf(format, args...))
}

// InspectArchive validates a plugin zip and reads its plugin header.
// Entries must be relative, must not climb out of the extraction directory
// and must not be symlinks.
func InspectArchive(r io.ReaderAt, size int64, limits Limits) (*ArchiveInfo, error) {
	if limits.MaxFiles <= 0 {
		limits.MaxFiles = DefaultLimits.MaxFiles
	}
	if limits.MaxUncompressedSize <= 0 {
		limits.MaxUncompressedSize = DefaultLimits.MaxUncompressedSize
	}

	head := make([]byte, 4)
	if _, err := r.ReadAt(head, 0); err != nil {
		return nil, invalid("too small to be a zip file")
	}
	if !bytes.Equal(head, zipMagic[0]) && !bytes.Equal(head, zipMagic[1]) {
		return nil, invalid("not a zip file")
	}

	zr, err := zip.NewReader(r, size)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, invalid("%v", err)
	}

	info := &ArchiveInfo{}
	roots := map[string]bool{}
	var phpCandidates []*zip.File

	for _, f := range zr.File {
		if err := ValidateEntryPath(f.Name); err != nil {
			return nil, invalid("%v", err)
		}
		if t := f.Mode().Type(); t != 0 && t != fs.ModeDir {
			return nil, invalid("links and special files not allowed: %s", f.Name)
		}
		name := strings.TrimPrefix(f.Name, "./")

		top := name
		if i := strings.IndexByte(name, '/'); i >= 0 {
			top = name[:i]
		} else if !f.FileInfo().IsDir() {
			top = ""
		}
		roots[top] = true

		if f.FileInfo().IsDir() {
			continue
		}
		info.Files++
		if info.Files > limits.MaxFiles {
			return nil, invalid("more than %d files", limits.MaxFiles)
		}
		info.UncompressedSize += int64(f.UncompressedSize64)
		if f.UncompressedSize64 > uint64(limits.MaxUncompressedSize) || info.UncompressedSize > limits.MaxUncompressedSize {
			return nil, invalid("expands beyond %d bytes", limits.MaxUncompressedSize)
		}

		if strings.EqualFold(path.Ext(name), ".php") && strings.Count(name, "/") <= 1 {
			phpCandidates = append(phpCandidates, f)
		}
	}

	if info.Files == 0 {
		return nil, invalid("archive is empty")
	}
	if len(roots) == 1 && !roots[""] {
		for r := range roots {
			info.RootDir = r
		}
	}

	// WordPress looks for the header in top-level php files of the plugin
	// directory. Prefer <slug>/<slug>.php, then the rest in name order.
	sort.SliceStable(phpCandidates, func(i, j int) bool {
		return mainFileRank(phpCandidates[i].Name, info.RootDir) < mainFileRank(phpCandidates[j].Name, info.RootDir)
	})
	for _, f := range phpCandidates {
		dir := path.Dir(strings.TrimPrefix(f.Name, "./"))
		if (info.RootDir == "" && dir != ".") || (info.RootDir != "" && dir != info.RootDir) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, invalid("cannot read %s: %v", f.Name, err)
		}
		h, ok := ParsePluginHeader(rc)
		rc.Close()
		if ok {
			info.MainFile = f.Name
			info.Header = h
			break
		}
	}

	return info, nil
}

func mainFileRank(name, root string) string {
	base := strings.TrimSuffix(path.Base(name), path.Ext(name))
	if root != "" && base == root {
		return "0" + name
	}
	return "1" + name
}

// ValidateEntryPath rejects absolute paths, drive letters, backslashes and
// parent directory references.
func ValidateEntryPath(name string) error {
	if name == "" {
		return fmt.Errorf("empty entry name")
	}
	if strings.Contains(name, "\\") {
		return fmt.Errorf("backslash in entry name: %s", name)
	}
	if strings.HasPrefix(name, "/") {
		return fmt.Errorf("absolute paths not allowed: %s", name)
	}
	if len(name) >= 2 && name[1] == ':' {
		return fmt.Errorf("absolute paths not allowed: %s", name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return fmt.Errorf("path traversal not allowed: %s", name)
		}
	}
	return nil
}
