package proxy

import (
	"context"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/lucasew/imgcache/internal/registry"
)

// Rule decides whether a proxied request is an image the cache should
// answer. It returns the image to load and true on a match.
type Rule func(context.Context, *url.URL) (registry.Image, bool)

// Catalog supplies the metadata of known images.
type Catalog interface {
	Lookup(u string) (registry.Image, bool)
}

// NewCatalogRule matches the absolute URLs of a catalog, keeping their
// section and priority.
func NewCatalogRule(catalog Catalog) Rule {
	return func(ctx context.Context, u *url.URL) (registry.Image, bool) {
		return catalog.Lookup(u.String())
	}
}

// DefaultExtensions are the file extensions treated as images.
var DefaultExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".avif", ".svg", ".ico"}

// NewExtensionRule matches paths ending in one of exts at priority p.
func NewExtensionRule(p registry.Priority, exts ...string) Rule {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	return func(ctx context.Context, u *url.URL) (registry.Image, bool) {
		ext := strings.ToLower(path.Ext(u.Path))
		for _, e := range exts {
			if ext == e {
				return registry.Image{URL: u.String(), Priority: p}, true
			}
		}
		return registry.Image{}, false
	}
}

// NewRegexRule matches the full URL against regex. A named group "section"
// becomes the image section.
func NewRegexRule(regex *regexp.Regexp, p registry.Priority) Rule {
	return func(ctx context.Context, u *url.URL) (registry.Image, bool) {
		urlString := u.String()
		matches := regex.FindStringSubmatch(urlString)
		if matches == nil {
			return registry.Image{}, false
		}

		img := registry.Image{URL: urlString, Priority: p}
		if i := regex.SubexpIndex("section"); i > 0 {
			img.Section = matches[i]
		}
		return img, true
	}
}
