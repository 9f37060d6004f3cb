package provider

import (
	"strings"
	"testing"

	"github.com/MeKo-Tech/tileharvest/internal/tile"
)

func TestOSMURL(t *testing.T) {
	p := OSM()
	c := tile.Coords{Z: 13, X: 4297, Y: 2754}

	url := p.URL(c)
	if !strings.HasSuffix(url, ".tile.openstreetmap.org/13/4297/2754.png") {
		t.Errorf("URL = %s", url)
	}
	// (4297+2754) % 3 == 1 -> subdomain "b"
	if !strings.HasPrefix(url, "https://b.") {
		t.Errorf("URL = %s, want subdomain b", url)
	}
	if p.Extension() != "png" {
		t.Errorf("Extension() = %s, want png", p.Extension())
	}
}

func TestBingURL(t *testing.T) {
	p := Bing()
	c := tile.Coords{Z: 3, X: 3, Y: 5}

	url := p.URL(c)
	if !strings.Contains(url, "/tiles/a213.jpeg?g=1") {
		t.Errorf("URL = %s, want quadkey 213", url)
	}
	if strings.Contains(url, "{") {
		t.Errorf("URL = %s contains unsubstituted placeholder", url)
	}
	if p.Extension() != "jpg" {
		t.Errorf("Extension() = %s, want jpg (jpeg normalized)", p.Extension())
	}
}

func TestSubdomainRotation(t *testing.T) {
	p := OSM()
	// The subdomain is a function of x+y, so it must differ between
	// adjacent columns and match for tiles sharing a diagonal.
	subdomain := func(c tile.Coords) string {
		url := p.URL(c)
		rest := strings.TrimPrefix(url, "https://")
		return rest[:strings.Index(rest, ".")]
	}
	a := subdomain(tile.Coords{Z: 5, X: 0, Y: 0})
	b := subdomain(tile.Coords{Z: 5, X: 1, Y: 0})
	c := subdomain(tile.Coords{Z: 5, X: 0, Y: 1})
	if a == b {
		t.Errorf("adjacent columns resolved to same subdomain %q", a)
	}
	if b != c {
		t.Errorf("same x+y resolved to different subdomains: %q vs %q", b, c)
	}
}

func TestCustomProvider(t *testing.T) {
	p, err := Custom("stamen", "https://tiles.example.com/{z}/{x}/{y}.jpeg?key=abc", Config{
		MinZoom: 2,
		MaxZoom: 18,
	})
	if err != nil {
		t.Fatal(err)
	}

	if p.Type != TypeCustom {
		t.Errorf("Type = %s, want custom", p.Type)
	}
	if got := p.URL(tile.Coords{Z: 7, X: 10, Y: 44}); got != "https://tiles.example.com/7/10/44.jpeg?key=abc" {
		t.Errorf("URL = %s", got)
	}
	if p.Extension() != "jpg" {
		t.Errorf("Extension() = %s, want jpg", p.Extension())
	}
	if p.ZoomInRange(1) || !p.ZoomInRange(2) || !p.ZoomInRange(18) || p.ZoomInRange(19) {
		t.Error("ZoomInRange does not respect [2, 18]")
	}
}

func TestCustomProviderDefaults(t *testing.T) {
	p, err := Custom("plain", "https://tiles.example.com/{z}/{x}/{y}", Config{})
	if err != nil {
		t.Fatal(err)
	}
	if p.Extension() != DefaultExtension {
		t.Errorf("Extension() = %s, want %s", p.Extension(), DefaultExtension)
	}
	if p.MaxZoom != tile.MaxZoom {
		t.Errorf("MaxZoom = %d, want %d", p.MaxZoom, tile.MaxZoom)
	}
	// Without subdomains a {s} placeholder stays literal.
	p2, err := Custom("nosub", "https://{s}.example.com/{z}/{x}/{y}.png", Config{})
	if err != nil {
		t.Fatal(err)
	}
	if got := p2.URL(tile.Coords{Z: 1, X: 0, Y: 0}); !strings.HasPrefix(got, "https://{s}.") {
		t.Errorf("URL = %s, want literal {s}", got)
	}
}

func TestCustomProviderFormatOverride(t *testing.T) {
	p, err := Custom("webp", "https://tiles.example.com/{z}/{x}/{y}.png", Config{TileFormat: "WEBP"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Extension() != "webp" {
		t.Errorf("Extension() = %s, want webp", p.Extension())
	}
}

func TestCustomProviderErrors(t *testing.T) {
	if _, err := Custom("empty", "", Config{}); err == nil {
		t.Error("empty template accepted")
	}
	if _, err := Custom("bad", "https://x/{z}/{x}/{y}.png", Config{MinZoom: 10, MaxZoom: 5}); err == nil {
		t.Error("inverted zoom range accepted")
	}
}

func TestPath(t *testing.T) {
	p := OSM()
	c := tile.Coords{Z: 13, X: 4297, Y: 2754}
	if got := p.Path(c); got != "osm/13/4297/2754.png" {
		t.Errorf("Path = %s", got)
	}

	custom, err := Custom("c", "https://x/{z}/{x}/{y}.png", Config{})
	if err != nil {
		t.Fatal(err)
	}
	if got := custom.Path(c); got != "13/4297/2754.png" {
		t.Errorf("Path = %s", got)
	}
}

func TestPathTMS(t *testing.T) {
	p, err := Custom("tms", "https://x/{z}/{x}/{y}.png", Config{TMS: true})
	if err != nil {
		t.Fatal(err)
	}
	// z=3 slippy row 5 lands at TMS row 2 on disk.
	if got := p.Path(tile.Coords{Z: 3, X: 1, Y: 5}); got != "3/1/2.png" {
		t.Errorf("Path = %s, want 3/1/2.png", got)
	}
}

func TestBuiltin(t *testing.T) {
	names := make(map[string]bool)
	for _, p := range Builtin() {
		names[p.Name] = true
	}
	if !names["osm"] || !names["bing"] {
		t.Errorf("Builtin() = %v, want osm and bing", names)
	}
}
