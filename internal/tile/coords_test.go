package tile

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

func TestCoordsString(t *testing.T) {
	tests := []struct {
		coords   Coords
		expected string
	}{
		{Coords{Z: 13, X: 4297, Y: 2754}, "z13_x4297_y2754"},
		{Coords{Z: 0, X: 0, Y: 0}, "z0_x0_y0"},
		{Coords{Z: 18, X: 12345, Y: 67890}, "z18_x12345_y67890"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.coords.String(); got != tt.expected {
				t.Errorf("String() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestQuadkey(t *testing.T) {
	tests := []struct {
		coords   Coords
		expected string
	}{
		{Coords{Z: 3, X: 3, Y: 5}, "213"},
		{Coords{Z: 1, X: 0, Y: 0}, "0"},
		{Coords{Z: 1, X: 1, Y: 0}, "1"},
		{Coords{Z: 1, X: 0, Y: 1}, "2"},
		{Coords{Z: 1, X: 1, Y: 1}, "3"},
		{Coords{Z: 2, X: 3, Y: 2}, "31"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.coords.Quadkey(); got != tt.expected {
				t.Errorf("Quadkey(%v) = %s, want %s", tt.coords, got, tt.expected)
			}
		})
	}
}

func TestQuadkeyLarge(t *testing.T) {
	q := Coords{Z: 16, X: 35210, Y: 21493}.Quadkey()
	if len(q) != 16 {
		t.Fatalf("Quadkey length = %d, want 16", len(q))
	}
	const prefix = "1202102332"
	if q[:len(prefix)] != prefix {
		t.Errorf("Quadkey prefix = %s, want %s", q[:len(prefix)], prefix)
	}
}

func TestQuadkeyBijection(t *testing.T) {
	// Every tile at a zoom must map to a distinct quadkey.
	for z := 1; z <= 4; z++ {
		n := 1 << z
		seen := make(map[string]Coords, n*n)
		for x := 0; x < n; x++ {
			for y := 0; y < n; y++ {
				c := Coords{Z: z, X: x, Y: y}
				q := c.Quadkey()
				if prev, dup := seen[q]; dup {
					t.Fatalf("quadkey %s produced by both %v and %v", q, prev, c)
				}
				seen[q] = c
			}
		}
	}
}

func TestFlipYInvolution(t *testing.T) {
	for z := 0; z <= 8; z++ {
		n := 1 << z
		for _, y := range []int{0, 1, n / 2, n - 1} {
			c := Coords{Z: z, X: 0, Y: y}
			if got := c.FlipY().FlipY(); got != c {
				t.Errorf("FlipY twice at z=%d y=%d = %v, want %v", z, y, got, c)
			}
		}
	}
}

func TestFlipYTMS(t *testing.T) {
	// At z=3, on-disk TMS y=2 corresponds to slippy y=5.
	c := Coords{Z: 3, X: 0, Y: 5}
	if got := c.FlipY().Y; got != 2 {
		t.Errorf("FlipY at z=3 y=5 = %d, want 2", got)
	}
}

func TestLatLonToTileKnown(t *testing.T) {
	// Tiananmen Square, Beijing.
	x, y := LatLonToTile(39.9042, 116.4074, 15, false, false)
	if x != 26979 || y != 12416 {
		t.Errorf("LatLonToTile = (%d, %d), want (26979, 12416)", x, y)
	}
}

func TestLatLonToTileClampsLatitude(t *testing.T) {
	// Latitudes past the Web Mercator limit snap to the first/last row.
	_, yNorth := LatLonToTile(89.9, 0, 4, false, false)
	_, ySouth := LatLonToTile(-89.9, 0, 4, false, false)
	if yNorth != 0 {
		t.Errorf("north pole row = %d, want 0", yNorth)
	}
	if ySouth != 15 {
		t.Errorf("south pole row = %d, want 15", ySouth)
	}
}

func TestLatLonToTileMatchesMaptile(t *testing.T) {
	// Interior points must agree with orb/maptile's slippy projection.
	points := []struct {
		lat, lon float64
	}{
		{52.3906, 9.7320},    // Hannover
		{39.9042, 116.4074},  // Beijing
		{-33.8688, 151.2093}, // Sydney
		{37.7749, -122.4194}, // San Francisco
		{0.01, 0.01},
	}
	for _, p := range points {
		for _, z := range []int{1, 5, 10, 15, 19} {
			x, y := LatLonToTile(p.lat, p.lon, z, false, false)
			ref := maptile.At(orb.Point{p.lon, p.lat}, maptile.Zoom(z))
			if uint32(x) != ref.X || uint32(y) != ref.Y {
				t.Errorf("(%f, %f) z%d = (%d, %d), maptile says (%d, %d)",
					p.lat, p.lon, z, x, y, ref.X, ref.Y)
			}
		}
	}
}

func TestRoundTrip(t *testing.T) {
	// Converting a tile's NW corner (nudged slightly inward) back to a tile
	// must reproduce the original coordinate.
	const eps = 1e-9
	cases := []Coords{
		{Z: 0, X: 0, Y: 0},
		{Z: 3, X: 3, Y: 5},
		{Z: 10, X: 511, Y: 340},
		{Z: 15, X: 26979, Y: 12416},
		{Z: 22, X: 1 << 21, Y: 1 << 20},
	}
	for _, c := range cases {
		lat, lon := TileToLatLon(c.X, c.Y, c.Z, false)
		x, y := LatLonToTile(lat-eps, lon+eps, c.Z, false, false)
		if x != c.X || y != c.Y {
			t.Errorf("round trip %v -> (%d, %d)", c, x, y)
		}
	}
}

func TestRoundTripTMS(t *testing.T) {
	const eps = 1e-9
	c := Coords{Z: 6, X: 10, Y: 20}
	lat, lon := TileToLatLon(c.X, c.Y, c.Z, true)
	x, y := LatLonToTile(lat-eps, lon+eps, c.Z, true, false)
	if x != c.X || y != c.Y {
		t.Errorf("TMS round trip %v -> (%d, %d)", c, x, y)
	}
}

func TestTileBound(t *testing.T) {
	b := TileBound(0, 0, 0, false)
	if math.Abs(b.Min.Lon()+180) > 1e-9 || math.Abs(b.Max.Lon()-180) > 1e-9 {
		t.Errorf("z0 bound longitudes = [%f, %f], want [-180, 180]", b.Min.Lon(), b.Max.Lon())
	}
	if b.Min.Lat() >= b.Max.Lat() {
		t.Errorf("z0 bound latitudes not ordered: [%f, %f]", b.Min.Lat(), b.Max.Lat())
	}

	// A tile's bound must contain its own center when converted back.
	c := Coords{Z: 13, X: 4297, Y: 2754}
	cb := c.Bound()
	center := cb.Center()
	x, y := LatLonToTile(center.Lat(), center.Lon(), 13, false, false)
	if x != c.X || y != c.Y {
		t.Errorf("bound center of %v maps to (%d, %d)", c, x, y)
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		coords Coords
		want   bool
	}{
		{Coords{Z: 0, X: 0, Y: 0}, true},
		{Coords{Z: 3, X: 7, Y: 7}, true},
		{Coords{Z: 3, X: 8, Y: 0}, false},
		{Coords{Z: -1, X: 0, Y: 0}, false},
		{Coords{Z: 24, X: 0, Y: 0}, false},
		{Coords{Z: 5, X: -1, Y: 0}, false},
	}
	for _, tt := range tests {
		if got := tt.coords.Valid(); got != tt.want {
			t.Errorf("Valid(%v) = %v, want %v", tt.coords, got, tt.want)
		}
	}
}

func worldBound() orb.Bound {
	return orb.Bound{Min: orb.Point{-180, -85}, Max: orb.Point{180, 85}}
}
