package core

import "math"

// Vec3 三维向量
type Vec3 struct {
	X, Y, Z float32
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) Scale(s float32) Vec3 {
	return Vec3{v.X * s, v.Y * s, v.Z * s}
}

// Length 向量长度
func (v Vec3) Length() float32 {
	return float32(math.Sqrt(float64(v.X*v.X + v.Y*v.Y + v.Z*v.Z)))
}

// SqrLength 长度平方，避免开方
func (v Vec3) SqrLength() float32 {
	return v.X*v.X + v.Y*v.Y + v.Z*v.Z
}

// Distance 两点距离
func Distance(a, b Vec3) float32 {
	return a.Sub(b).Length()
}

// LerpVec3 线性插值
func LerpVec3(a, b Vec3, t float32) Vec3 {
	return Vec3{
		X: a.X + (b.X-a.X)*t,
		Y: a.Y + (b.Y-a.Y)*t,
		Z: a.Z + (b.Z-a.Z)*t,
	}
}

// LerpFloat32 标量线性插值
func LerpFloat32(a, b float32, t float32) float32 {
	return a + (b-a)*t
}

// Quat 四元数 (x, y, z, w)
type Quat struct {
	X, Y, Z, W float32
}

// IdentityQuat 单位四元数
var IdentityQuat = Quat{W: 1}

func (q Quat) dot(o Quat) float32 {
	return q.X*o.X + q.Y*o.Y + q.Z*o.Z + q.W*o.W
}

func (q Quat) normalized() Quat {
	n := float32(math.Sqrt(float64(q.dot(q))))
	if n == 0 {
		return IdentityQuat
	}
	return Quat{q.X / n, q.Y / n, q.Z / n, q.W / n}
}

// SlerpQuat 球面插值，取最短路径
func SlerpQuat(a, b Quat, t float32) Quat {
	cos := a.dot(b)
	if cos < 0 {
		b = Quat{-b.X, -b.Y, -b.Z, -b.W}
		cos = -cos
	}

	// 夹角很小时退化为归一化线性插值
	if cos > 0.9995 {
		return Quat{
			X: a.X + (b.X-a.X)*t,
			Y: a.Y + (b.Y-a.Y)*t,
			Z: a.Z + (b.Z-a.Z)*t,
			W: a.W + (b.W-a.W)*t,
		}.normalized()
	}

	theta := math.Acos(float64(cos))
	sin := math.Sin(theta)
	wa := float32(math.Sin((1-float64(t))*theta) / sin)
	wb := float32(math.Sin(float64(t)*theta) / sin)
	return Quat{
		X: a.X*wa + b.X*wb,
		Y: a.Y*wa + b.Y*wb,
		Z: a.Z*wa + b.Z*wb,
		W: a.W*wa + b.W*wb,
	}
}
