package mesh

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
)

// DefaultTraceTolerance is the Douglas-Peucker tolerance for trace paths,
// in cloud units.
const DefaultTraceTolerance = 0.001

// TransformPath returns the XY offset of the cumulative transform before the
// first iteration and after each one. final is the run's final transform;
// the starting guess is recovered by undoing the increments.
func TransformPath(final Matrix4, trace []IterationStats) orb.LineString {
	undo := Identity()
	for _, it := range trace {
		undo = undo.Mul(it.Increment.Inverse())
	}
	cum := undo.Mul(final)

	path := make(orb.LineString, 0, len(trace)+1)
	path = append(path, xyOffset(cum))
	for _, it := range trace {
		cum = it.Increment.Mul(cum)
		path = append(path, xyOffset(cum))
	}
	return path
}

func xyOffset(m Matrix4) orb.Point {
	o := m.Offset()
	return orb.Point{o.X, o.Y}
}

// Footprint is the convex hull of a cloud projected on the XY plane.
func Footprint(a Vec3RandomAccessor) orb.Polygon {
	pts := make([]orb.Point, a.Len())
	for i := range pts {
		v := a.Vec3At(i)
		pts[i] = orb.Point{v.X, v.Y}
	}
	hull := convexHull(pts)
	if len(hull) == 0 {
		return orb.Polygon{}
	}
	ring := make(orb.Ring, 0, len(hull)+1)
	ring = append(ring, hull...)
	ring = append(ring, hull[0])
	return orb.Polygon{ring}
}

// BoundOverlap returns the share of a's bounding box covered by b's.
func BoundOverlap(a, b orb.Bound) float64 {
	area := (a.Max[0] - a.Min[0]) * (a.Max[1] - a.Min[1])
	if area <= 0 || !a.Intersects(b) {
		return 0
	}
	w := math.Min(a.Max[0], b.Max[0]) - math.Max(a.Min[0], b.Min[0])
	h := math.Min(a.Max[1], b.Max[1]) - math.Max(a.Min[1], b.Min[1])
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h / area
}

// BuildTrace describes a run as GeoJSON in the XY plane: the simplified
// transform path plus source, aligned and target footprints. The collection
// carries the run ID, pair and footprint overlap as extra members.
func BuildTrace(snap *RunSnapshot, tolerance float64) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	raw := TransformPath(snap.Report.Transform, snap.Trace)
	path := raw
	if tolerance > 0 && len(raw) > 2 {
		if s, ok := simplify.DouglasPeucker(tolerance).Simplify(raw.Clone()).(orb.LineString); ok {
			path = s
		}
	}
	pf := geojson.NewFeature(path)
	pf.Properties["kind"] = "path"
	pf.Properties["pairId"] = snap.Report.PairID
	pf.Properties["iterations"] = len(snap.Trace)
	pf.Properties["length"] = planar.Length(raw)
	pf.Properties["vertices"] = len(raw)
	fc.Append(pf)

	footprints := []struct {
		role  string
		cloud Cloud[XYZ]
	}{
		{"target", snap.Target},
		{"source", snap.Source},
		{"aligned", snap.Aligned},
	}
	bounds := make(map[string]orb.Bound)
	for _, fp := range footprints {
		if fp.cloud.Len() == 0 {
			continue
		}
		poly := Footprint(fp.cloud)
		f := geojson.NewFeature(poly)
		f.Properties["kind"] = "footprint"
		f.Properties["role"] = fp.role
		f.Properties["points"] = fp.cloud.Len()
		f.Properties["area"] = planar.Area(poly)
		fc.Append(f)
		bounds[fp.role] = poly.Bound()
	}

	fc.ExtraMembers = geojson.Properties{
		"runId":  snap.Report.RunID,
		"pairId": snap.Report.PairID,
	}
	aligned, okA := bounds["aligned"]
	target, okT := bounds["target"]
	if okA && okT {
		fc.ExtraMembers["overlap"] = BoundOverlap(aligned, target)
	}
	return fc
}

// convexHull computes the convex hull of a set of 2D points using the
// Andrew's monotone chain algorithm. Returns points in counter-clockwise order.
func convexHull(points []orb.Point) []orb.Point {
	if len(points) < 3 {
		result := make([]orb.Point, len(points))
		copy(result, points)
		return result
	}

	sorted := make([]orb.Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i][0] != sorted[j][0] {
			return sorted[i][0] < sorted[j][0]
		}
		return sorted[i][1] < sorted[j][1]
	})

	cross := func(o, a, b orb.Point) float64 {
		return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
	}

	n := len(sorted)
	hull := make([]orb.Point, 0, 2*n)

	for _, p := range sorted {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	lower := len(hull) + 1
	for i := n - 2; i >= 0; i-- {
		p := sorted[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	// Last point repeats the first.
	return hull[:len(hull)-1]
}
