package mesh

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/golang/geo/r3"
)

// CloudPoint is one point of a cloud document. Normal and RGB are optional.
type CloudPoint struct {
	X      float64     `json:"x"`
	Y      float64     `json:"y"`
	Z      float64     `json:"z"`
	Normal *[3]float64 `json:"normal,omitempty"`
	RGB    *[3]uint8   `json:"rgb,omitempty"`
}

// CloudDocument is the JSON exchange format for clouds, used for files,
// MQTT payloads and HTTP fetches.
type CloudDocument struct {
	Frame   string       `json:"frame,omitempty"`
	Width   int          `json:"width"`
	Height  int          `json:"height"`
	Points  []CloudPoint `json:"points"`
	Indices []int        `json:"indices,omitempty"`
}

// ParseCloudFile reads and parses a cloud JSON file
func ParseCloudFile(path string) (*CloudDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return ParseCloudJSON(data)
}

// ParseCloudJSON parses and validates cloud JSON data.
// Missing width/height describe an unorganized cloud.
func ParseCloudJSON(data []byte) (*CloudDocument, error) {
	var d CloudDocument
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	if d.Width == 0 && d.Height == 0 {
		d.Width, d.Height = len(d.Points), 1
	}
	if d.Width*d.Height != len(d.Points) {
		return nil, fmt.Errorf("cloud is %dx%d but has %d points", d.Width, d.Height, len(d.Points))
	}
	for i, p := range d.Points {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsNaN(p.Z) ||
			math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) || math.IsInf(p.Z, 0) {
			return nil, fmt.Errorf("point %d is not finite", i)
		}
	}
	if d.Indices != nil {
		if err := Indices(d.Indices).Validate(len(d.Points)); err != nil {
			return nil, err
		}
	}
	return &d, nil
}

// Subset returns the document's index subset, or nil for all points.
func (d *CloudDocument) Subset() Indices {
	if d.Indices == nil {
		return nil
	}
	return Indices(d.Indices)
}

// HasNormals reports whether every point carries a normal.
func (d *CloudDocument) HasNormals() bool {
	if len(d.Points) == 0 {
		return false
	}
	for _, p := range d.Points {
		if p.Normal == nil {
			return false
		}
	}
	return true
}

// XYZ returns the positions only.
func (d *CloudDocument) XYZ() Cloud[XYZ] {
	pts := make([]XYZ, len(d.Points))
	for i, p := range d.Points {
		pts[i] = XYZ{X: p.X, Y: p.Y, Z: p.Z}
	}
	return Cloud[XYZ]{Points: pts, Width: d.Width, Height: d.Height}
}

// XYZNormal returns positions with unit normals. Every point needs a normal.
func (d *CloudDocument) XYZNormal() (Cloud[XYZNormal], error) {
	pts := make([]XYZNormal, len(d.Points))
	for i, p := range d.Points {
		if p.Normal == nil {
			return Cloud[XYZNormal]{}, fmt.Errorf("point %d: %w", i, ErrMissingNormals)
		}
		n := r3.Vector{X: p.Normal[0], Y: p.Normal[1], Z: p.Normal[2]}
		if n.Norm() == 0 {
			return Cloud[XYZNormal]{}, fmt.Errorf("point %d: zero normal", i)
		}
		n = n.Normalize()
		pts[i] = XYZNormal{X: p.X, Y: p.Y, Z: p.Z, NX: n.X, NY: n.Y, NZ: n.Z}
	}
	return Cloud[XYZNormal]{Points: pts, Width: d.Width, Height: d.Height}, nil
}

// XYZRGB returns colored positions; points without color are black.
func (d *CloudDocument) XYZRGB() Cloud[XYZRGB] {
	pts := make([]XYZRGB, len(d.Points))
	for i, p := range d.Points {
		pts[i] = XYZRGB{X: p.X, Y: p.Y, Z: p.Z}
		if p.RGB != nil {
			pts[i].R, pts[i].G, pts[i].B = p.RGB[0], p.RGB[1], p.RGB[2]
		}
	}
	return Cloud[XYZRGB]{Points: pts, Width: d.Width, Height: d.Height}
}

// NewCloudDocument converts a cloud back to the exchange format, keeping
// normals and colors when the point type has them.
func NewCloudDocument[P Point](c Cloud[P], frame string) *CloudDocument {
	d := &CloudDocument{Frame: frame, Width: c.Width, Height: c.Height, Points: make([]CloudPoint, len(c.Points))}
	if d.Width*d.Height != len(c.Points) {
		d.Width, d.Height = len(c.Points), 1
	}
	for i, p := range c.Points {
		v := p.Position()
		cp := CloudPoint{X: v.X, Y: v.Y, Z: v.Z}
		if np, ok := any(p).(NormalPoint); ok {
			n := np.Normal()
			cp.Normal = &[3]float64{n.X, n.Y, n.Z}
		}
		if rgb, ok := any(p).(XYZRGB); ok {
			cp.RGB = &[3]uint8{rgb.R, rgb.G, rgb.B}
		}
		d.Points[i] = cp
	}
	return d
}

// WriteCloudFile writes a cloud document as indented JSON.
func WriteCloudFile(path string, d *CloudDocument) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling cloud: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing cloud file: %w", err)
	}
	return nil
}

// CloudSummary provides a summary of cloud contents
type CloudSummary struct {
	Frame      string
	Points     int
	Width      int
	Height     int
	Selected   int
	HasNormals bool
	HasColor   bool
	Min        r3.Vector
	Max        r3.Vector
	Centroid   r3.Vector
}

// Summarize extracts key information from a cloud document
func Summarize(d *CloudDocument) CloudSummary {
	s := CloudSummary{
		Frame:      d.Frame,
		Points:     len(d.Points),
		Width:      d.Width,
		Height:     d.Height,
		Selected:   len(d.Points),
		HasNormals: d.HasNormals(),
	}
	if d.Indices != nil {
		s.Selected = len(d.Indices)
	}
	if len(d.Points) == 0 {
		return s
	}
	c := d.XYZ()
	s.Min, s.Max = bounds(c)
	s.Centroid = Centroid(c)
	for _, p := range d.Points {
		if p.RGB != nil {
			s.HasColor = true
			break
		}
	}
	return s
}

// bounds returns the axis-aligned bounding box of a non-empty accessor.
func bounds(a Vec3RandomAccessor) (r3.Vector, r3.Vector) {
	lo, hi := a.Vec3At(0), a.Vec3At(0)
	for i := 1; i < a.Len(); i++ {
		v := a.Vec3At(i)
		lo = r3.Vector{X: math.Min(lo.X, v.X), Y: math.Min(lo.Y, v.Y), Z: math.Min(lo.Z, v.Z)}
		hi = r3.Vector{X: math.Max(hi.X, v.X), Y: math.Max(hi.Y, v.Y), Z: math.Max(hi.Z, v.Z)}
	}
	return lo, hi
}
