package cookies

import (
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const fileExtension = ".txt"

// Resolver maps URLs to per-domain Netscape cookie files stored in a single
// directory. Files are named after the domain they serve, for example
// "example.com.txt".
type Resolver struct {
	dir string
}

// NewResolver creates a resolver over the given cookie directory. The
// directory does not need to exist; resolution simply finds nothing.
func NewResolver(dir string) *Resolver {
	return &Resolver{dir: dir}
}

// Dir returns the cookie directory.
func (r *Resolver) Dir() string {
	return r.dir
}

// ResolveAuthFor returns the cookie file for the URL's host, or an empty
// string when no file matches. Matching walks the host's domain suffixes from
// most to least specific, so "media.example.com" prefers
// "media.example.com.txt" over "example.com.txt".
func (r *Resolver) ResolveAuthFor(rawURL string) string {
	host := hostOf(rawURL)
	if host == "" {
		return ""
	}

	labels := strings.Split(host, ".")
	for i := 0; i < len(labels)-1; i++ {
		candidate := filepath.Join(r.dir, strings.Join(labels[i:], ".")+fileExtension)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Size() > 0 {
			return candidate
		}
	}
	return ""
}

// Domains lists the domains that have a cookie file, sorted alphabetically.
func (r *Resolver) Domains() []string {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil
	}
	var domains []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, fileExtension) {
			continue
		}
		domains = append(domains, strings.TrimSuffix(name, fileExtension))
	}
	sort.Strings(domains)
	return domains
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	host := strings.ToLower(parsed.Hostname())
	return strings.TrimPrefix(host, "www.")
}
