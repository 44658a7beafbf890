package pointcloud

import (
	"fmt"
	"math"
)

// MatrixValidationTolerance bounds |det(R) - 1| for a transform to count as
// a proper rotation.
const MatrixValidationTolerance = 0.01

// Transform is a 4x4 homogeneous rigid transform in row-major order.
type Transform [16]float64

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// FromRotationTranslation builds a transform from a row-major 3x3 rotation
// and a translation vector.
func FromRotationTranslation(r [9]float64, t Point) Transform {
	return Transform{
		r[0], r[1], r[2], t.X,
		r[3], r[4], r[5], t.Y,
		r[6], r[7], r[8], t.Z,
		0, 0, 0, 1,
	}
}

// Apply maps p through T.
func (T Transform) Apply(p Point) Point {
	return Point{
		X: T[0]*p.X + T[1]*p.Y + T[2]*p.Z + T[3],
		Y: T[4]*p.X + T[5]*p.Y + T[6]*p.Z + T[7],
		Z: T[8]*p.X + T[9]*p.Y + T[10]*p.Z + T[11],
	}
}

// ApplyCloud returns a new cloud with every point mapped through T. The
// input is not modified.
func (T Transform) ApplyCloud(c PointCloud) PointCloud {
	out := make([]Point, len(c.Points))
	for i, p := range c.Points {
		out[i] = T.Apply(p)
	}
	return New(out)
}

// Compose returns T·U, the transform that applies U first and then T.
func (T Transform) Compose(U Transform) Transform {
	var out Transform
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var s float64
			for k := 0; k < 4; k++ {
				s += T[r*4+k] * U[k*4+c]
			}
			out[r*4+c] = s
		}
	}
	return out
}

// Translation returns the translation column of T.
func (T Transform) Translation() Point {
	return Point{X: T[3], Y: T[7], Z: T[11]}
}

// RotationAngle returns the rotation angle of T in radians.
func (T Transform) RotationAngle() float64 {
	c := (T[0] + T[5] + T[10] - 1) / 2
	return math.Acos(math.Max(-1, math.Min(1, c)))
}

// IsValid reports whether T is a rigid transform: the rotation block has
// determinant close to 1 and the last row is [0 0 0 1].
func (T Transform) IsValid() bool {
	r00, r01, r02 := T[0], T[1], T[2]
	r10, r11, r12 := T[4], T[5], T[6]
	r20, r21, r22 := T[8], T[9], T[10]

	det := r00*(r11*r22-r12*r21) - r01*(r10*r22-r12*r20) + r02*(r10*r21-r11*r20)
	if math.IsNaN(det) || math.Abs(det-1.0) > MatrixValidationTolerance {
		return false
	}

	if T[12] != 0 || T[13] != 0 || T[14] != 0 || math.Abs(T[15]-1.0) > 0.001 {
		return false
	}
	return true
}

func (T Transform) String() string {
	return fmt.Sprintf("[%.4f %.4f %.4f %.4f; %.4f %.4f %.4f %.4f; %.4f %.4f %.4f %.4f; %g %g %g %g]",
		T[0], T[1], T[2], T[3], T[4], T[5], T[6], T[7], T[8], T[9], T[10], T[11], T[12], T[13], T[14], T[15])
}
