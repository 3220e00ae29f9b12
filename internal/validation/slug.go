package validation

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

var (
	slugPattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)
)

// ValidSlug reports whether s can name a directory under wp-content/plugins
func ValidSlug(s string) bool {
	return len(s) <= 200 && slugPattern.MatchString(s)
}

// DeriveSlug picks the plugin's directory name: the archive's single
// top-level directory when there is one, otherwise the name lowercased with
// runs of other characters turned into '-'.
func DeriveSlug(rootDir, name string) (string, error) {
	if rootDir != "" {
		if !ValidSlug(rootDir) {
			return "", fmt.Errorf("archive directory %q is not a valid plugin slug", rootDir)
		}
		return rootDir, nil
	}
	s := strings.Trim(nonSlugChars.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if s == "" {
		return "", fmt.Errorf("cannot derive a plugin slug from %q", name)
	}
	return s, nil
}

// ArchiveStem turns a stored archive key or path such as
// plugin-files/1700000000000-my-plugin.zip into my-plugin. A leading run of
// digits followed by '-' is treated as the upload timestamp.
func ArchiveStem(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	base := path.Base(p)
	base = strings.TrimSuffix(base, path.Ext(base))
	if i := strings.IndexByte(base, '-'); i > 0 && strings.Trim(base[:i], "0123456789") == "" {
		base = base[i+1:]
	}
	return base
}

// ArchiveSlug derives the slug of an inspected archive from its contents:
// the single top-level directory, then the header's Plugin Name, then stem.
// Catalog and companion both call it so an archive has one slug everywhere.
func ArchiveSlug(info *ArchiveInfo, stem string) (string, error) {
	name := stem
	if info.Header != nil && info.Header.Name != "" {
		name = info.Header.Name
	}
	return DeriveSlug(info.RootDir, name)
}
