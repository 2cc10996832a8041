package mesh

import (
	"math"

	"github.com/golang/geo/r3"
)

// Matrix4 is a row-major 4x4 homogeneous transform.
// A point p maps to M * [p 1]ᵀ.
type Matrix4 [4][4]float64

// Identity returns an identity matrix (no transformation)
func Identity() Matrix4 {
	return Matrix4{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// Translation creates a translation-only transform
func Translation(tx, ty, tz float64) Matrix4 {
	m := Identity()
	m[0][3], m[1][3], m[2][3] = tx, ty, tz
	return m
}

// RotationX creates a rotation about the X axis (radians)
func RotationX(angle float64) Matrix4 {
	c, s := math.Cos(angle), math.Sin(angle)
	return Matrix4{
		{1, 0, 0, 0},
		{0, c, -s, 0},
		{0, s, c, 0},
		{0, 0, 0, 1},
	}
}

// RotationY creates a rotation about the Y axis (radians)
func RotationY(angle float64) Matrix4 {
	c, s := math.Cos(angle), math.Sin(angle)
	return Matrix4{
		{c, 0, s, 0},
		{0, 1, 0, 0},
		{-s, 0, c, 0},
		{0, 0, 0, 1},
	}
}

// RotationZ creates a rotation about the Z axis (radians)
func RotationZ(angle float64) Matrix4 {
	c, s := math.Cos(angle), math.Sin(angle)
	return Matrix4{
		{c, -s, 0, 0},
		{s, c, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// RotationZDeg creates a rotation about the Z axis (degrees)
func RotationZDeg(degrees float64) Matrix4 {
	return RotationZ(deg2rad(degrees))
}

// EulerRotation returns Rz(yaw) * Ry(pitch) * Rx(roll) as a 3x3 block.
func EulerRotation(roll, pitch, yaw float64) [3][3]float64 {
	return RotationZ(yaw).Mul(RotationY(pitch)).Mul(RotationX(roll)).Rotation()
}

// FromRotationTranslation assembles a rigid transform.
// Rotation is applied first (around origin), then translation.
func FromRotationTranslation(r [3][3]float64, t r3.Vector) Matrix4 {
	m := Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] = r[i][j]
		}
	}
	m[0][3], m[1][3], m[2][3] = t.X, t.Y, t.Z
	return m
}

// Mul composes two transforms: result = m * o.
// Applying result is equivalent to applying o first, then m.
func (m Matrix4) Mul(o Matrix4) Matrix4 {
	var out Matrix4
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var s float64
			for k := 0; k < 4; k++ {
				s += m[i][k] * o[k][j]
			}
			out[i][j] = s
		}
	}
	return out
}

// Sub returns the elementwise difference m - o.
func (m Matrix4) Sub(o Matrix4) Matrix4 {
	var out Matrix4
	for i := range m {
		for j := range m[i] {
			out[i][j] = m[i][j] - o[i][j]
		}
	}
	return out
}

// AbsSum returns the sum of absolute values of all elements.
func (m Matrix4) AbsSum() float64 {
	var s float64
	for i := range m {
		for j := range m[i] {
			s += math.Abs(m[i][j])
		}
	}
	return s
}

// Apply transforms a position.
func (m Matrix4) Apply(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z + m[0][3],
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z + m[1][3],
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z + m[2][3],
	}
}

// ApplyRotation transforms a direction (no translation).
func (m Matrix4) ApplyRotation(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// Rotation returns the upper-left 3x3 block.
func (m Matrix4) Rotation() [3][3]float64 {
	var r [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = m[i][j]
		}
	}
	return r
}

// Offset returns the translation column.
func (m Matrix4) Offset() r3.Vector {
	return r3.Vector{X: m[0][3], Y: m[1][3], Z: m[2][3]}
}

// Inverse returns the inverse of a rigid transform: [Rᵀ | -Rᵀt].
// The result is meaningless for matrices with scale or shear.
func (m Matrix4) Inverse() Matrix4 {
	var rt [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rt[i][j] = m[j][i]
		}
	}
	inv := FromRotationTranslation(rt, r3.Vector{})
	t := inv.ApplyRotation(m.Offset())
	inv[0][3], inv[1][3], inv[2][3] = -t.X, -t.Y, -t.Z
	return inv
}

// YawDeg extracts the rotation about Z in degrees, normalized to [0, 360).
func (m Matrix4) YawDeg() float64 {
	return NormalizeAngle(math.Atan2(m[1][0], m[0][0]) * 180 / math.Pi)
}

// IsRigid reports whether the rotation block is orthonormal with
// determinant +1 and the bottom row is [0 0 0 1], within tol.
func (m Matrix4) IsRigid(tol float64) bool {
	r := m.Rotation()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var dot float64
			for k := 0; k < 3; k++ {
				dot += r[k][i] * r[k][j]
			}
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(dot-want) > tol {
				return false
			}
		}
	}
	if math.Abs(det3(r)-1) > tol {
		return false
	}
	return math.Abs(m[3][0]) <= tol && math.Abs(m[3][1]) <= tol &&
		math.Abs(m[3][2]) <= tol && math.Abs(m[3][3]-1) <= tol
}

// ApproxEqual compares elementwise within tol.
func (m Matrix4) ApproxEqual(o Matrix4, tol float64) bool {
	for i := range m {
		for j := range m[i] {
			if math.Abs(m[i][j]-o[i][j]) > tol {
				return false
			}
		}
	}
	return true
}

// IsFinite reports whether no element is NaN or Inf.
func (m Matrix4) IsFinite() bool {
	for i := range m {
		for j := range m[i] {
			if math.IsNaN(m[i][j]) || math.IsInf(m[i][j], 0) {
				return false
			}
		}
	}
	return true
}

// TransformCloud returns a transformed copy of the cloud.
func TransformCloud[P PointType[P]](c Cloud[P], m Matrix4) Cloud[P] {
	out := c
	out.Points = make([]P, len(c.Points))
	for i, p := range c.Points {
		out.Points[i] = p.Transform(m)
	}
	return out
}

// transformInPlace moves every point of the cloud by m.
func transformInPlace[P PointType[P]](c Cloud[P], m Matrix4) {
	for i, p := range c.Points {
		c.Points[i] = p.Transform(m)
	}
}

// NormalizeAngle normalizes an angle in degrees to the range [0, 360).
func NormalizeAngle(degrees float64) float64 {
	degrees = math.Mod(degrees, 360)
	if degrees < 0 {
		degrees += 360
	}
	return degrees
}

func det3(r [3][3]float64) float64 {
	return r[0][0]*(r[1][1]*r[2][2]-r[1][2]*r[2][1]) -
		r[0][1]*(r[1][0]*r[2][2]-r[1][2]*r[2][0]) +
		r[0][2]*(r[1][0]*r[2][1]-r[1][1]*r[2][0])
}

func deg2rad(d float64) float64 { return d * math.Pi / 180 }
