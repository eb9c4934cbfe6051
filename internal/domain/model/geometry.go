package model

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Line is a segment between two points.
type Line struct {
	Start Point `json:"start"`
	End   Point `json:"end"`
}

// Geometry is either a line or a centroid, never both once normalized.
type Geometry struct {
	Line     *Line  `json:"line,omitempty"`
	Centroid *Point `json:"centroid,omitempty"`
}

// IsZero reports whether no geometry is set.
func (g Geometry) IsZero() bool {
	return g.Line == nil && g.Centroid == nil
}

// Normalize keeps the line when all of its coordinates are finite, otherwise
// the centroid when both of its coordinates are finite, otherwise nothing.
func (g Geometry) Normalize() Geometry {
	if g.Line != nil && g.Line.Start.valid() && g.Line.End.valid() {
		l := *g.Line
		return Geometry{Line: &l}
	}
	if g.Centroid != nil && g.Centroid.valid() {
		c := *g.Centroid
		return Geometry{Centroid: &c}
	}
	return Geometry{}
}

func (p Point) valid() bool {
	return IsFinite(p.Lat) && IsFinite(p.Lng)
}

// FlatGeometry is the wire form of geometry: six independent optional
// coordinates as submitted by clients.
type FlatGeometry struct {
	LineStartLat *float64 `json:"lineStartLat,omitempty"`
	LineStartLng *float64 `json:"lineStartLng,omitempty"`
	LineEndLat   *float64 `json:"lineEndLat,omitempty"`
	LineEndLng   *float64 `json:"lineEndLng,omitempty"`
	CentroidLat  *float64 `json:"centroidLat,omitempty"`
	CentroidLng  *float64 `json:"centroidLng,omitempty"`
}

// Geometry resolves the flat form. A line needs all four endpoint
// coordinates and wins over a centroid, which needs both of its coordinates.
func (f FlatGeometry) Geometry() Geometry {
	var g Geometry
	if f.LineStartLat != nil && f.LineStartLng != nil && f.LineEndLat != nil && f.LineEndLng != nil {
		g.Line = &Line{
			Start: Point{Lat: *f.LineStartLat, Lng: *f.LineStartLng},
			End:   Point{Lat: *f.LineEndLat, Lng: *f.LineEndLng},
		}
	}
	if f.CentroidLat != nil && f.CentroidLng != nil {
		g.Centroid = &Point{Lat: *f.CentroidLat, Lng: *f.CentroidLng}
	}
	return g.Normalize()
}
