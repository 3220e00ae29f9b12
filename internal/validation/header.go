package validation

import (
	"bufio"
	"io"
	"regexp"
	"strings"
)

// headerScanLimit matches how much of a file WordPress reads when looking
// for plugin headers.
const headerScanLimit = 8 << 10

// PluginHeader holds the fields of a WordPress plugin file header comment
type PluginHeader struct {
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`
	PluginURI   string `json:"plugin_uri,omitempty"`
	RequiresWP  string `json:"requires_wp,omitempty"`
	RequiresPHP string `json:"requires_php,omitempty"`
	TextDomain  string `json:"text_domain,omitempty"`
}

var headerFields = map[string]func(*PluginHeader, string){
	"plugin name":       func(h *PluginHeader, v string) { h.Name = v },
	"version":           func(h *PluginHeader, v string) { h.Version = v },
	"description":       func(h *PluginHeader, v string) { h.Description = v },
	"author":            func(h *PluginHeader, v string) { h.Author = v },
	"plugin uri":        func(h *PluginHeader, v string) { h.PluginURI = v },
	"requires at least": func(h *PluginHeader, v string) { h.RequiresWP = v },
	"requires php":      func(h *PluginHeader, v string) { h.RequiresPHP = v },
	"text domain":       func(h *PluginHeader, v string) { h.TextDomain = v },
}

var headerLine = regexp.MustCompile(`^(?:[ \t]*<\?php)?[ \t/*#@]*([A-Za-z][A-Za-z ]*?)[ \t]*:(.*)$`)

// ParsePluginHeader reads the header comment of a plugin's main file. It
// reports false when the first 8 KiB carry no "Plugin Name:" line.
func ParsePluginHeader(r io.Reader) (*PluginHeader, bool) {
	h := &PluginHeader{}
	sc := bufio.NewScanner(io.LimitReader(r, headerScanLimit))
	sc.Buffer(make([]byte, 0, 4096), headerScanLimit)

	for sc.Scan() {
		m := headerLine.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		set, ok := headerFields[strings.ToLower(strings.TrimSpace(m[1]))]
		if !ok {
			continue
		}
		v := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(m[2]), "*/"))
		if v == "" {
			continue
		}
		set(h, v)
	}
	return h, h.Name != ""
}
