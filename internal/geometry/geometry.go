package geometry

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/circletel/coverage-engine/internal/coverage"
)

// ErrInvalidGeometry marks polygon data rejected at load time. Malformed
// rings never reach query time.
var ErrInvalidGeometry = errors.New("invalid geometry")

const (
	// gridCellDeg is the edge length of the coarse spatial grid used to
	// bucket polygons, roughly 11 km at the equator.
	gridCellDeg = 0.1

	earthRadiusM = 6371000.0

	metersPerLatDeg = 111320.0
)

// Polygon is a single coverage area: an outer ring, optional holes, the
// technologies served inside it and an optional signal grading.
type Polygon struct {
	AreaID       string
	Technologies coverage.TechSet
	Signal       coverage.Signal
	Rings        [][]coverage.Coordinate

	bbox boundingBox
}

type boundingBox struct {
	minLat, minLon, maxLat, maxLon float64
}

func (b boundingBox) contains(c coverage.Coordinate) bool {
	return c.Lat >= b.minLat && c.Lat <= b.maxLat && c.Lon >= b.minLon && c.Lon <= b.maxLon
}

// distanceLowerBoundM returns a cheap lower bound on the distance from c to
// any point inside the box, in meters. Zero when c is inside.
func (b boundingBox) distanceLowerBoundM(c coverage.Coordinate) float64 {
	dLat := 0.0
	switch {
	case c.Lat < b.minLat:
		dLat = b.minLat - c.Lat
	case c.Lat > b.maxLat:
		dLat = c.Lat - b.maxLat
	}
	dLon := 0.0
	switch {
	case c.Lon < b.minLon:
		dLon = b.minLon - c.Lon
	case c.Lon > b.maxLon:
		dLon = c.Lon - b.maxLon
	}
	latM := dLat * metersPerLatDeg
	lonM := dLon * metersPerLatDeg * math.Cos(c.Lat*math.Pi/180)
	return math.Sqrt(latM*latM + lonM*lonM)
}

type cellKey struct {
	latCell, lonCell int
}

func cellOf(lat, lon float64) cellKey {
	return cellKey{
		latCell: int(math.Floor(lat / gridCellDeg)),
		lonCell: int(math.Floor(lon / gridCellDeg)),
	}
}

// Set is one provider's immutable polygon snapshot. Build validates every
// ring; once built a Set is never mutated, so concurrent readers need no
// locking.
type Set struct {
	ProviderID string
	BuiltAt    time.Time

	polygons []Polygon
	grid     map[cellKey][]int
}

// BuildSet validates the polygons and indexes them into the spatial grid.
func BuildSet(providerID string, polygons []Polygon) (*Set, error) {
	if providerID == "" {
		return nil, fmt.Errorf("%w: provider id must not be empty", ErrInvalidGeometry)
	}
	set := &Set{
		ProviderID: providerID,
		BuiltAt:    time.Now().UTC(),
		polygons:   make([]Polygon, 0, len(polygons)),
		grid:       make(map[cellKey][]int),
	}
	for _, poly := range polygons {
		normalized, err := normalizePolygon(poly)
		if err != nil {
			return nil, fmt.Errorf("polygon %s: %w", poly.AreaID, err)
		}
		idx := len(set.polygons)
		set.polygons = append(set.polygons, normalized)
		bucketInto(set.grid, normalized.bbox, idx)
	}
	return set, nil
}

// Len returns the number of polygons in the set.
func (s *Set) Len() int { return len(s.polygons) }

func normalizePolygon(poly Polygon) (Polygon, error) {
	if poly.AreaID == "" {
		return Polygon{}, fmt.Errorf("%w: area id must not be empty", ErrInvalidGeometry)
	}
	if len(poly.Rings) == 0 {
		return Polygon{}, fmt.Errorf("%w: no rings", ErrInvalidGeometry)
	}
	rings := make([][]coverage.Coordinate, len(poly.Rings))
	for i, ring := range poly.Rings {
		// GeoJSON closes rings by repeating the first vertex; accept both
		// open and closed input but store rings open.
		if len(ring) >= 4 && ring[0] == ring[len(ring)-1] {
			ring = ring[:len(ring)-1]
		}
		if len(ring) < 3 {
			return Polygon{}, fmt.Errorf("%w: ring %d has %d vertices, need at least 3", ErrInvalidGeometry, i, len(ring))
		}
		for _, vertex := range ring {
			if err := vertex.Validate(); err != nil {
				return Polygon{}, fmt.Errorf("%w: ring %d: %v", ErrInvalidGeometry, i, err)
			}
		}
		rings[i] = ring
	}
	poly.Rings = rings
	poly.bbox = computeBBox(rings[0])
	return poly, nil
}

func computeBBox(ring []coverage.Coordinate) boundingBox {
	box := boundingBox{minLat: math.MaxFloat64, minLon: math.MaxFloat64, maxLat: -math.MaxFloat64, maxLon: -math.MaxFloat64}
	for _, v := range ring {
		box.minLat = math.Min(box.minLat, v.Lat)
		box.maxLat = math.Max(box.maxLat, v.Lat)
		box.minLon = math.Min(box.minLon, v.Lon)
		box.maxLon = math.Max(box.maxLon, v.Lon)
	}
	return box
}

func bucketInto(grid map[cellKey][]int, box boundingBox, idx int) {
	min := cellOf(box.minLat, box.minLon)
	max := cellOf(box.maxLat, box.maxLon)
	for lat := min.latCell; lat <= max.latCell; lat++ {
		for lon := min.lonCell; lon <= max.lonCell; lon++ {
			key := cellKey{latCell: lat, lonCell: lon}
			grid[key] = append(grid[key], idx)
		}
	}
}

// Match is a containment hit inside a coverage area.
type Match struct {
	AreaID       string
	Technologies coverage.TechSet
	Signal       coverage.Signal
}

// Containing returns the first coverage area whose polygon contains the
// coordinate. Candidates come from the spatial grid, so the test is
// sub-linear in the number of polygons.
func (s *Set) Containing(c coverage.Coordinate) (Match, bool) {
	indices, ok := s.grid[cellOf(c.Lat, c.Lon)]
	if !ok {
		return Match{}, false
	}
	for _, idx := range indices {
		poly := &s.polygons[idx]
		if !poly.bbox.contains(c) {
			continue
		}
		if pointInPolygon(c, poly.Rings) {
			return Match{AreaID: poly.AreaID, Technologies: poly.Technologies, Signal: poly.Signal}, true
		}
	}
	return Match{}, false
}

// Proximity reports the closest coverage area boundary to a coordinate.
type Proximity struct {
	AreaID    string
	DistanceM float64
}

// Nearest finds the closest polygon within maxRadiusM of the coordinate.
// Distance is measured to the nearest outer-ring vertex, which overstates
// the true boundary distance by at most one edge length; coverage uploads
// are dense enough that the error stays well under the grid resolution.
// Polygons whose bounding box lies beyond the current best are skipped, so
// huge sets do not degrade into full scans.
func (s *Set) Nearest(c coverage.Coordinate, maxRadiusM float64) (Proximity, bool) {
	best := Proximity{DistanceM: maxRadiusM}
	found := false
	for i := range s.polygons {
		poly := &s.polygons[i]
		if poly.bbox.distanceLowerBoundM(c) > best.DistanceM {
			continue
		}
		for _, vertex := range poly.Rings[0] {
			d := haversineM(c, vertex)
			if d <= best.DistanceM {
				best = Proximity{AreaID: poly.AreaID, DistanceM: d}
				found = true
			}
		}
	}
	if !found {
		return Proximity{}, false
	}
	return best, true
}

// pointInPolygon runs the even-odd ray casting test: inside the outer ring
// and not inside any hole.
func pointInPolygon(c coverage.Coordinate, rings [][]coverage.Coordinate) bool {
	if !pointInRing(c, rings[0]) {
		return false
	}
	for _, hole := range rings[1:] {
		if pointInRing(c, hole) {
			return false
		}
	}
	return true
}

func pointInRing(c coverage.Coordinate, ring []coverage.Coordinate) bool {
	inside := false
	n := len(ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		yi, xi := ring[i].Lat, ring[i].Lon
		yj, xj := ring[j].Lat, ring[j].Lon
		if (yi > c.Lat) != (yj > c.Lat) &&
			c.Lon < (xj-xi)*(c.Lat-yi)/(yj-yi+1e-12)+xi {
			inside = !inside
		}
	}
	return inside
}

// haversineM computes the great-circle distance between two coordinates in
// meters.
func haversineM(a, b coverage.Coordinate) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusM * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
