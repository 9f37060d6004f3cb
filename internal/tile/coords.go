// Package tile provides Web Mercator tile coordinate math: lat/lon to tile
// conversion, XYZ/TMS y-flips, quadkeys, and lazy bounding-box enumeration.
package tile

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// MaxLatitude is the Web Mercator latitude clamp. Latitudes beyond this
// value project outside the square tile grid.
const MaxLatitude = 85.0511

// MaxZoom is the highest zoom level the tile grid supports.
const MaxZoom = 23

// ceilTolerance absorbs float error when a coordinate lands exactly on a
// tile edge.
const ceilTolerance = 1e-10

// Coords represents a tile coordinate in the Web Mercator tile system (z/x/y).
type Coords struct {
	Z int // Zoom level (0-23)
	X int // X coordinate (column, west to east)
	Y int // Y coordinate (row)
}

// NewCoords creates a new Coords from zoom, x, y values.
func NewCoords(z, x, y int) Coords {
	return Coords{Z: z, X: x, Y: y}
}

// String returns the tile coordinate as a string in format "z{zoom}_x{x}_y{y}"
func (c Coords) String() string {
	return fmt.Sprintf("z%d_x%d_y%d", c.Z, c.X, c.Y)
}

// Valid reports whether the coordinate lies inside the tile grid at its zoom.
func (c Coords) Valid() bool {
	if c.Z < 0 || c.Z > MaxZoom {
		return false
	}
	n := 1 << c.Z
	return c.X >= 0 && c.X < n && c.Y >= 0 && c.Y < n
}

// FlipY converts between XYZ and TMS row orientation. Applying it twice is
// the identity.
func (c Coords) FlipY() Coords {
	n := 1 << c.Z
	return Coords{Z: c.Z, X: c.X, Y: n - 1 - c.Y}
}

// Quadkey returns the Bing Maps quadkey for this tile: a base-4 string of
// length Z built from the x/y bit interleaving.
func (c Coords) Quadkey() string {
	buf := make([]byte, 0, c.Z)
	for i := c.Z; i > 0; i-- {
		digit := byte('0')
		mask := 1 << (i - 1)
		if c.X&mask != 0 {
			digit++
		}
		if c.Y&mask != 0 {
			digit += 2
		}
		buf = append(buf, digit)
	}
	return string(buf)
}

// LatLonToTile converts a WGS84 coordinate to the tile containing it.
// The latitude is clamped to the Web Mercator safe range. With useCeil the
// fractional tile index is rounded up (used for the south-east corner of a
// bounding box); otherwise it is truncated. With tms the row is flipped so
// y=0 is at the south pole.
func LatLonToTile(lat, lon float64, zoom int, tms, useCeil bool) (x, y int) {
	lat = math.Max(-MaxLatitude, math.Min(MaxLatitude, lat))

	n := float64(int(1) << zoom)
	xf := (lon + 180.0) / 360.0 * n

	latRad := lat * math.Pi / 180.0
	yf := (1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n

	if useCeil {
		x = int(math.Ceil(xf - ceilTolerance))
		y = int(math.Ceil(yf - ceilTolerance))
	} else {
		// The symmetric tolerance on the floor side keeps a coordinate
		// sitting a float-error below a tile edge in the edge's tile.
		x = int(math.Floor(xf + ceilTolerance))
		y = int(math.Floor(yf + ceilTolerance))
	}

	if tms {
		y = (int(1) << zoom) - 1 - y
	}
	return x, y
}

// TileToLatLon returns the WGS84 coordinate of the tile's north-west corner.
func TileToLatLon(x, y, zoom int, tms bool) (lat, lon float64) {
	n := float64(int(1) << zoom)
	if tms {
		y = (int(1) << zoom) - 1 - y
	}

	lon = float64(x)/n*360.0 - 180.0
	latRad := math.Atan(math.Sinh(math.Pi * (1 - 2*float64(y)/n)))
	lat = latRad * 180.0 / math.Pi
	return lat, lon
}

// Bound returns the geographic extent of the tile in WGS84.
func (c Coords) Bound() orb.Bound {
	return TileBound(c.X, c.Y, c.Z, false)
}

// TileBound returns the geographic extent of a tile as an orb.Bound
// (Min = south-west, Max = north-east) using the NW corners of (x,y) and
// (x+1,y+1).
func TileBound(x, y, zoom int, tms bool) orb.Bound {
	north, west := TileToLatLon(x, y, zoom, tms)
	south, east := TileToLatLon(x+1, y+1, zoom, tms)
	return orb.Bound{
		Min: orb.Point{west, south},
		Max: orb.Point{east, north},
	}
}
