package mesh

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
)

const epsilon = 1e-10

// almostEqual checks if two floats are equal within epsilon tolerance
func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < epsilon
}

// vectorsEqual checks if two vectors are equal within tol
func vectorsEqual(a, b r3.Vector, tol float64) bool {
	return math.Abs(a.X-b.X) < tol && math.Abs(a.Y-b.Y) < tol && math.Abs(a.Z-b.Z) < tol
}

func TestMatrixApply(t *testing.T) {
	tests := []struct {
		name   string
		point  r3.Vector
		matrix Matrix4
		want   r3.Vector
	}{
		{
			name:   "identity transform",
			point:  r3.Vector{X: 10, Y: 20, Z: 30},
			matrix: Identity(),
			want:   r3.Vector{X: 10, Y: 20, Z: 30},
		},
		{
			name:   "translation only",
			point:  r3.Vector{X: 5, Y: 5, Z: 5},
			matrix: Translation(10, 15, -5),
			want:   r3.Vector{X: 15, Y: 20, Z: 0},
		},
		{
			name:   "90 degree rotation about Z",
			point:  r3.Vector{X: 1},
			matrix: RotationZDeg(90),
			want:   r3.Vector{Y: 1},
		},
		{
			name:   "90 degree rotation about X",
			point:  r3.Vector{Y: 1},
			matrix: RotationX(math.Pi / 2),
			want:   r3.Vector{Z: 1},
		},
		{
			name:   "90 degree rotation about Y",
			point:  r3.Vector{Z: 1},
			matrix: RotationY(math.Pi / 2),
			want:   r3.Vector{X: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.matrix.Apply(tt.point)
			if !vectorsEqual(got, tt.want, epsilon) {
				t.Errorf("Apply() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatrixMulOrder(t *testing.T) {
	rot := RotationZDeg(90)
	trans := Translation(1, 0, 0)
	p := r3.Vector{X: 1}

	// rot * trans: translate first, then rotate
	got := rot.Mul(trans).Apply(p)
	if !vectorsEqual(got, r3.Vector{Y: 2}, epsilon) {
		t.Errorf("rot*trans applied = %v, want (0,2,0)", got)
	}

	// trans * rot: rotate first, then translate
	got = trans.Mul(rot).Apply(p)
	if !vectorsEqual(got, r3.Vector{X: 1, Y: 1}, epsilon) {
		t.Errorf("trans*rot applied = %v, want (1,1,0)", got)
	}
}

func TestMatrixInverse(t *testing.T) {
	m := Translation(3, -2, 7).Mul(RotationZDeg(30)).Mul(RotationX(0.4))
	got := m.Mul(m.Inverse())
	if !got.ApproxEqual(Identity(), 1e-12) {
		t.Errorf("m * m⁻¹ = %v, want identity", got)
	}
}

func TestMatrixAbsSum(t *testing.T) {
	a := Translation(1, -2, 3)
	if got := a.Sub(Identity()).AbsSum(); !almostEqual(got, 6) {
		t.Errorf("AbsSum() = %v, want 6", got)
	}
	if got := Identity().Sub(Identity()).AbsSum(); got != 0 {
		t.Errorf("AbsSum() of zero matrix = %v, want 0", got)
	}
}

func TestMatrixIsRigid(t *testing.T) {
	tests := []struct {
		name string
		m    Matrix4
		want bool
	}{
		{"identity", Identity(), true},
		{"rotation and translation", Translation(1, 2, 3).Mul(RotationY(1.1)), true},
		{"long composition", composeMany(200), true},
		{"scale", Matrix4{{2, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}, false},
		{"reflection", Matrix4{{-1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}, false},
		{"shear", Matrix4{{1, 0.1, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.m.IsRigid(1e-9); got != tt.want {
				t.Errorf("IsRigid() = %v, want %v", got, tt.want)
			}
		})
	}
}

// composeMany multiplies n small rigid increments the way the registration loop does.
func composeMany(n int) Matrix4 {
	m := Identity()
	for i := 0; i < n; i++ {
		inc := Translation(0.01, -0.02, 0.005).Mul(RotationZ(0.013)).Mul(RotationX(-0.007))
		m = inc.Mul(m)
	}
	return m
}

func TestEulerRotation(t *testing.T) {
	r := EulerRotation(0, 0, math.Pi/2)
	m := FromRotationTranslation(r, r3.Vector{X: 1})
	got := m.Apply(r3.Vector{X: 1})
	if !vectorsEqual(got, r3.Vector{X: 1, Y: 1}, epsilon) {
		t.Errorf("Apply() = %v, want (1,1,0)", got)
	}
	if !almostEqual(m.YawDeg(), 90) {
		t.Errorf("YawDeg() = %v, want 90", m.YawDeg())
	}
}

func TestGuessConfigMatrix(t *testing.T) {
	g := GuessConfig{X: 1, Y: 2, Z: 3, Yaw: 180}
	got := g.Matrix().Apply(r3.Vector{X: 1})
	if !vectorsEqual(got, r3.Vector{X: 0, Y: 2, Z: 3}, 1e-9) {
		t.Errorf("Apply() = %v, want (0,2,3)", got)
	}
}

func TestNormalizeAngle(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0, 0},
		{360, 0},
		{-90, 270},
		{450, 90},
	}
	for _, tt := range tests {
		if got := NormalizeAngle(tt.in); !almostEqual(got, tt.want) {
			t.Errorf("NormalizeAngle(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTransformCloudKeepsAttributes(t *testing.T) {
	c := NewCloud([]XYZNormal{{X: 1, NX: 1}})
	got := TransformCloud(c, Translation(0, 5, 0).Mul(RotationZDeg(90)))
	p := got.Points[0]
	if !vectorsEqual(p.Position(), r3.Vector{Y: 6}, epsilon) {
		t.Errorf("position = %v, want (0,6,0)", p.Position())
	}
	if !vectorsEqual(p.Normal(), r3.Vector{Y: 1}, epsilon) {
		t.Errorf("normal = %v, want (0,1,0): normals rotate but do not translate", p.Normal())
	}
	if c.Points[0].X != 1 {
		t.Error("TransformCloud modified its input")
	}

	rgb := NewCloud([]XYZRGB{{X: 1, R: 200, G: 10, B: 3}})
	moved := TransformCloud(rgb, Translation(1, 0, 0)).Points[0]
	if moved.X != 2 || moved.R != 200 || moved.G != 10 || moved.B != 3 {
		t.Errorf("XYZRGB transform = %+v", moved)
	}
}
