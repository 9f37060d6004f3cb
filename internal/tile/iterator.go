package tile

import "github.com/paulmach/orb"

// Range is the inclusive rectangle of tile columns and rows covering a
// bounding box at a single zoom level.
type Range struct {
	Zoom       int
	MinX, MaxX int
	MinY, MaxY int
}

// RangeForBound computes the tile range covering a geographic bounding box
// at the given zoom. The north-west corner is truncated and the south-east
// corner rounded up, so a bbox snapping exactly to a tile boundary includes
// the boundary tile on the north/west side. Results are clamped to the grid
// and normalized so min <= max.
func RangeForBound(b orb.Bound, zoom int, tms bool) Range {
	west, south := b.Min.Lon(), b.Min.Lat()
	east, north := b.Max.Lon(), b.Max.Lat()

	maxTile := (1 << zoom) - 1

	minX, minY := LatLonToTile(north, west, zoom, tms, false)
	maxX, maxY := LatLonToTile(south, east, zoom, tms, true)

	minX = max(0, minX)
	minY = max(0, minY)
	maxX = min(maxTile, maxX)
	maxY = min(maxTile, maxY)

	if minX > maxX {
		minX, maxX = maxX, minX
	}
	if minY > maxY {
		minY, maxY = maxY, minY
	}

	return Range{Zoom: zoom, MinX: minX, MaxX: maxX, MinY: minY, MaxY: maxY}
}

// Count returns the number of tiles in the range.
func (r Range) Count() int {
	return (r.MaxX - r.MinX + 1) * (r.MaxY - r.MinY + 1)
}

// Iterator returns a lazy cursor over the range in row-major order
// (x outer, y inner). Nothing is materialized; a zoom-20 planet range
// iterates in constant memory.
func (r Range) Iterator() *Iterator {
	return &Iterator{r: r, x: r.MinX, y: r.MinY}
}

// Iterator is a cursor over a tile Range.
type Iterator struct {
	r    Range
	x, y int
	done bool
}

// Next returns the next tile in the range and false once exhausted.
func (it *Iterator) Next() (Coords, bool) {
	if it.done || it.x > it.r.MaxX {
		it.done = true
		return Coords{}, false
	}

	c := Coords{Z: it.r.Zoom, X: it.x, Y: it.y}

	it.y++
	if it.y > it.r.MaxY {
		it.y = it.r.MinY
		it.x++
	}
	return c, true
}
