// Package provider describes tile sources: how to build a fetch URL for a
// tile coordinate and where the tile lands on disk.
package provider

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/tileharvest/internal/tile"
)

// Type identifies the kind of tile provider.
type Type string

const (
	TypeOSM    Type = "osm"
	TypeBing   Type = "bing"
	TypeCustom Type = "custom"
)

// DefaultExtension is used when neither the URL template nor an override
// names a tile format.
const DefaultExtension = "jpg"

var extensionPattern = regexp.MustCompile(`\.([A-Za-z0-9]+)(?:\?|$)`)

// Provider maps tile coordinates to fetch URLs and storage paths.
// Descriptors are immutable after construction.
type Provider struct {
	Name        string
	Type        Type
	URLTemplate string
	Subdomains  []string
	MinZoom     int
	MaxZoom     int
	Attribution string

	// PathPrefix is an optional subdirectory under the output root. Builtin
	// providers nest their tiles under their own name; custom providers
	// write directly into the root.
	PathPrefix string

	// TMS flips the on-disk row so the output tree follows TMS conventions
	// regardless of what the server speaks.
	TMS bool

	extension string
}

// Config holds the options for a custom provider.
type Config struct {
	Subdomains []string
	MinZoom    int
	MaxZoom    int
	TileFormat string
	TMS        bool
}

// OSM returns the OpenStreetMap slippy provider.
func OSM() *Provider {
	p := &Provider{
		Name:        "osm",
		Type:        TypeOSM,
		URLTemplate: "https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png",
		Subdomains:  []string{"a", "b", "c"},
		MinZoom:     0,
		MaxZoom:     19,
		Attribution: "© OpenStreetMap contributors",
		PathPrefix:  "osm",
	}
	p.extension = extractExtension(p.URLTemplate, "")
	return p
}

// Bing returns the Bing aerial provider, addressed by quadkey.
func Bing() *Provider {
	p := &Provider{
		Name:        "bing",
		Type:        TypeBing,
		URLTemplate: "http://ecn.{s}.tiles.virtualearth.net/tiles/a{q}.jpeg?g=1",
		Subdomains:  []string{"t0", "t1", "t2", "t3"},
		MinZoom:     1,
		MaxZoom:     23,
		Attribution: "© Microsoft Corporation",
		PathPrefix:  "bing",
	}
	p.extension = extractExtension(p.URLTemplate, "")
	return p
}

// Custom builds a provider from a URL template with placeholders
// {z} {x} {y} {s} {q}. Unknown {…} sequences stay literal.
func Custom(name, urlTemplate string, cfg Config) (*Provider, error) {
	if urlTemplate == "" {
		return nil, fmt.Errorf("provider %q: empty URL template", name)
	}
	maxZoom := cfg.MaxZoom
	if maxZoom <= 0 {
		maxZoom = tile.MaxZoom
	}
	if cfg.MinZoom < 0 || cfg.MinZoom > maxZoom {
		return nil, fmt.Errorf("provider %q: invalid zoom range [%d, %d]", name, cfg.MinZoom, maxZoom)
	}

	p := &Provider{
		Name:        name,
		Type:        TypeCustom,
		URLTemplate: urlTemplate,
		Subdomains:  cfg.Subdomains,
		MinZoom:     cfg.MinZoom,
		MaxZoom:     maxZoom,
		Attribution: "Custom Provider",
		TMS:         cfg.TMS,
	}
	p.extension = extractExtension(urlTemplate, cfg.TileFormat)
	return p, nil
}

// Builtin returns the registered builtin providers.
func Builtin() []*Provider {
	return []*Provider{OSM(), Bing()}
}

// Extension returns the tile file extension without the leading dot.
// jpeg is normalized to jpg.
func (p *Provider) Extension() string {
	return p.extension
}

// ZoomInRange reports whether z falls inside the provider's zoom bounds.
func (p *Provider) ZoomInRange(z int) bool {
	return z >= p.MinZoom && z <= p.MaxZoom
}

// URL returns the fetch URL for a tile. It never fails; a template without
// placeholders simply yields itself.
func (p *Provider) URL(c tile.Coords) string {
	url := p.URLTemplate

	if strings.Contains(url, "{q}") {
		url = strings.ReplaceAll(url, "{q}", c.Quadkey())
	}
	url = strings.ReplaceAll(url, "{z}", strconv.Itoa(c.Z))
	url = strings.ReplaceAll(url, "{x}", strconv.Itoa(c.X))
	url = strings.ReplaceAll(url, "{y}", strconv.Itoa(c.Y))

	if strings.Contains(url, "{s}") && len(p.Subdomains) > 0 {
		s := p.Subdomains[(c.X+c.Y)%len(p.Subdomains)]
		url = strings.ReplaceAll(url, "{s}", s)
	}
	return url
}

// Path returns the tile's storage path relative to the output root, in the
// z/x/y.ext layout. For TMS runs the on-disk row is flipped.
func (p *Provider) Path(c tile.Coords) string {
	y := c.Y
	if p.TMS {
		y = c.FlipY().Y
	}
	rel := path.Join(strconv.Itoa(c.Z), strconv.Itoa(c.X), fmt.Sprintf("%d.%s", y, p.extension))
	if p.PathPrefix != "" {
		rel = path.Join(p.PathPrefix, rel)
	}
	return rel
}

// extractExtension derives the tile extension from an explicit format or,
// failing that, from the last path component of the URL template.
func extractExtension(urlTemplate, format string) string {
	if format != "" {
		return normalizeExtension(format)
	}
	if m := extensionPattern.FindStringSubmatch(urlTemplate); m != nil {
		return normalizeExtension(m[1])
	}
	return DefaultExtension
}

// normalizeExtension lowercases and aliases jpeg to jpg.
func normalizeExtension(ext string) string {
	ext = strings.ToLower(ext)
	if ext == "jpeg" {
		return "jpg"
	}
	return ext
}
