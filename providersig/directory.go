package providersig

import (
	"fmt"
	"net/url"
	"strings"
)

// ProviderDirectory maps provider names to the base URL their key document is
// served under.
type ProviderDirectory interface {
	BaseURL(provider string) (string, bool)
}

// StaticDirectory is a fixed ProviderDirectory.
type StaticDirectory map[string]string

func (d StaticDirectory) BaseURL(provider string) (string, bool) {
	base, ok := d[provider]
	return base, ok && base != ""
}

// ParseDirectory builds a directory from "name=https://base" entries, as
// passed on the command line.
func ParseDirectory(entries []string) (StaticDirectory, error) {
	dir := make(StaticDirectory, len(entries))
	for _, entry := range entries {
		name, base, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		base = strings.TrimRight(strings.TrimSpace(base), "/")
		if !ok || name == "" || base == "" {
			return nil, fmt.Errorf("invalid provider entry %q, expected name=url", entry)
		}

		u, err := url.Parse(base)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("invalid base url for provider %s: %q", name, base)
		}
		dir[name] = base
	}
	return dir, nil
}
