package registry

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"slices"
	"sort"
)

//go:embed catalog.json
var defaultCatalog []byte

// Image describes one asset known ahead of time.
type Image struct {
	URL         string   `json:"url"`
	Section     string   `json:"section,omitempty"`
	Priority    Priority `json:"priority"`
	Description string   `json:"description,omitempty"`
	// Size is an estimate in bytes, zero when unknown.
	Size int64 `json:"size,omitempty"`
}

// Section groups images that belong to the same page area.
type Section struct {
	Name   string  `json:"name"`
	Order  int     `json:"order"`
	Images []Image `json:"images"`
}

type catalog struct {
	Sections []Section `json:"sections"`
}

// Registry is a read-only catalog of images grouped by section.
type Registry struct {
	sections []Section
	byURL    map[string]Image
}

// New builds a registry from sections. Sections are kept sorted by Order and
// every image inherits its section name when it has none.
func New(sections []Section) *Registry {
	r := &Registry{byURL: make(map[string]Image)}
	for _, s := range sections {
		cp := Section{Name: s.Name, Order: s.Order, Images: make([]Image, len(s.Images))}
		for i, img := range s.Images {
			if img.Section == "" {
				img.Section = s.Name
			}
			cp.Images[i] = img
			if _, dup := r.byURL[img.URL]; !dup {
				r.byURL[img.URL] = img
			}
		}
		r.sections = append(r.sections, cp)
	}
	sort.SliceStable(r.sections, func(i, j int) bool {
		return r.sections[i].Order < r.sections[j].Order
	})
	return r
}

// Load parses a JSON catalog of the form {"sections": [...]}.
func Load(rd io.Reader) (*Registry, error) {
	var c catalog
	dec := json.NewDecoder(rd)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	for _, s := range c.Sections {
		if s.Name == "" {
			return nil, fmt.Errorf("catalog section without name")
		}
		for _, img := range s.Images {
			if img.URL == "" {
				return nil, fmt.Errorf("image without url in section %s", s.Name)
			}
		}
	}
	return New(c.Sections), nil
}

// Default returns the built-in catalog.
func Default() *Registry {
	r, err := Load(bytes.NewReader(defaultCatalog))
	if err != nil {
		panic(err)
	}
	return r
}

// Resolve returns a copy of the registry with relative URLs made absolute
// against base.
func (r *Registry) Resolve(base string) (*Registry, error) {
	b, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	sections := r.Sections()
	for i := range sections {
		for j := range sections[i].Images {
			ref, err := url.Parse(sections[i].Images[j].URL)
			if err != nil {
				return nil, fmt.Errorf("invalid image url %q: %w", sections[i].Images[j].URL, err)
			}
			sections[i].Images[j].URL = b.ResolveReference(ref).String()
		}
	}
	return New(sections), nil
}

// Sections returns a deep copy of the sections in load order.
func (r *Registry) Sections() []Section {
	out := make([]Section, len(r.sections))
	for i, s := range r.sections {
		out[i] = Section{Name: s.Name, Order: s.Order, Images: slices.Clone(s.Images)}
	}
	return out
}

// Lookup finds an image by URL.
func (r *Registry) Lookup(u string) (Image, bool) {
	img, ok := r.byURL[u]
	return img, ok
}

func (r *Registry) section(name string) (int, bool) {
	for i, s := range r.sections {
		if s.Name == name {
			return i, true
		}
	}
	return -1, false
}

// BySection returns the images of a section, or nil if it does not exist.
func (r *Registry) BySection(name string) []Image {
	i, ok := r.section(name)
	if !ok {
		return nil
	}
	return slices.Clone(r.sections[i].Images)
}

// ByPriority returns all images of the given priority in section order.
func (r *Registry) ByPriority(p Priority) []Image {
	var out []Image
	for _, s := range r.sections {
		for _, img := range s.Images {
			if img.Priority == p {
				out = append(out, img)
			}
		}
	}
	return out
}

// AllSorted returns every image, sections in ascending order.
func (r *Registry) AllSorted() []Image {
	var out []Image
	for _, s := range r.sections {
		out = append(out, s.Images...)
	}
	return out
}

// ForProgressiveLoading returns all high, then medium, then low images.
func (r *Registry) ForProgressiveLoading() []Image {
	var out []Image
	for _, p := range Priorities {
		out = append(out, r.ByPriority(p)...)
	}
	return out
}

// TotalEstimatedSize sums the size estimates of every image.
func (r *Registry) TotalEstimatedSize() int64 {
	var total int64
	for _, s := range r.sections {
		for _, img := range s.Images {
			total += img.Size
		}
	}
	return total
}

// SectionWithPriority returns the images of a section, most urgent first.
func (r *Registry) SectionWithPriority(name string) []Image {
	imgs := r.BySection(name)
	sort.SliceStable(imgs, func(i, j int) bool {
		return imgs[i].Priority < imgs[j].Priority
	})
	return imgs
}

// NextSection returns the section following name, or "" at the end.
func (r *Registry) NextSection(name string) string {
	i, ok := r.section(name)
	if !ok || i == len(r.sections)-1 {
		return ""
	}
	return r.sections[i+1].Name
}

// PreviousSection returns the section before name, or "" at the start.
func (r *Registry) PreviousSection(name string) string {
	i, ok := r.section(name)
	if !ok || i == 0 {
		return ""
	}
	return r.sections[i-1].Name
}

// SectionInfo returns the named section.
func (r *Registry) SectionInfo(name string) (Section, bool) {
	i, ok := r.section(name)
	if !ok {
		return Section{}, false
	}
	s := r.sections[i]
	return Section{Name: s.Name, Order: s.Order, Images: slices.Clone(s.Images)}, true
}

// SectionNames returns the section names in order.
func (r *Registry) SectionNames() []string {
	out := make([]string, len(r.sections))
	for i, s := range r.sections {
		out[i] = s.Name
	}
	return out
}

// Uncached returns the images whose URL is not in cached.
func (r *Registry) Uncached(cached []string) []Image {
	seen := make(map[string]struct{}, len(cached))
	for _, u := range cached {
		seen[u] = struct{}{}
	}
	var out []Image
	for _, img := range r.AllSorted() {
		if _, ok := seen[img.URL]; !ok {
			out = append(out, img)
		}
	}
	return out
}
