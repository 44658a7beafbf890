// Package pointcloud holds the 3D point cloud model shared by the cloud
// store, the compute services and the registration search.
package pointcloud

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Point is a single 3D point.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Coord returns the coordinate of p along axis a.
func (p Point) Coord(a Axis) float64 {
	switch a {
	case AxisY:
		return p.Y
	case AxisZ:
		return p.Z
	default:
		return p.X
	}
}

// PointCloud is an ordered set of points. NumPts always equals len(Points)
// for clouds built through New.
type PointCloud struct {
	NumPts int     `json:"numpts"`
	Points []Point `json:"points"`
}

// New builds a cloud from pts. The slice is retained, not copied.
func New(pts []Point) PointCloud {
	if pts == nil {
		pts = []Point{}
	}
	return PointCloud{NumPts: len(pts), Points: pts}
}

// Len returns the number of points.
func (c PointCloud) Len() int { return len(c.Points) }

// Clone returns a deep copy of c.
func (c PointCloud) Clone() PointCloud {
	pts := make([]Point, len(c.Points))
	copy(pts, c.Points)
	return New(pts)
}

// Validate checks the numpts field against the point slice and rejects
// non-finite coordinates.
func (c PointCloud) Validate() error {
	if c.NumPts != len(c.Points) {
		return fmt.Errorf("numpts %d does not match %d points", c.NumPts, len(c.Points))
	}
	for i, p := range c.Points {
		if !finite(p.X) || !finite(p.Y) || !finite(p.Z) {
			return fmt.Errorf("point %d has a non-finite coordinate", i)
		}
	}
	return nil
}

// UnmarshalJSON accepts the wire shape and fills a missing numpts from the
// point count.
func (c *PointCloud) UnmarshalJSON(data []byte) error {
	var raw struct {
		NumPts *int    `json:"numpts"`
		Points []Point `json:"points"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Points == nil {
		raw.Points = []Point{}
	}
	c.Points = raw.Points
	c.NumPts = len(raw.Points)
	if raw.NumPts != nil {
		c.NumPts = *raw.NumPts
	}
	return nil
}

// Bounds returns the min and max coordinate along axis a. ok is false for
// an empty cloud.
func (c PointCloud) Bounds(a Axis) (lo, hi float64, ok bool) {
	if len(c.Points) == 0 {
		return 0, 0, false
	}
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, p := range c.Points {
		v := p.Coord(a)
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi, true
}

// Centroid returns the mean point of c, or the origin for an empty cloud.
func (c PointCloud) Centroid() Point {
	if len(c.Points) == 0 {
		return Point{}
	}
	var sx, sy, sz float64
	for _, p := range c.Points {
		sx += p.X
		sy += p.Y
		sz += p.Z
	}
	n := float64(len(c.Points))
	return Point{X: sx / n, Y: sy / n, Z: sz / n}
}

// Axis names the coordinate axis used to order partitions.
type Axis string

const (
	AxisX Axis = "x"
	AxisY Axis = "y"
	AxisZ Axis = "z"
)

// ParseAxis accepts x, y or z in any case.
func ParseAxis(s string) (Axis, error) {
	a := Axis(strings.ToLower(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("invalid axis %q (expected x, y or z)", s)
	}
	return a, nil
}

// Valid reports whether a is one of x, y or z.
func (a Axis) Valid() bool {
	return a == AxisX || a == AxisY || a == AxisZ
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
