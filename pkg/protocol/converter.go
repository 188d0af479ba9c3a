package protocol

import (
	"railsync/pkg/core"
)

// ========== core 类型与嵌套消息的转换 ==========

func appendVec3(b []byte, v core.Vec3) []byte {
	b = appendFloatField(b, 1, v.X)
	b = appendFloatField(b, 2, v.Y)
	b = appendFloatField(b, 3, v.Z)
	return b
}

func parseVec3(b []byte) (core.Vec3, error) {
	var v core.Vec3
	err := walkFields(b, func(f field) (err error) {
		switch f.num {
		case 1:
			v.X, err = f.float32()
		case 2:
			v.Y, err = f.float32()
		case 3:
			v.Z, err = f.float32()
		}
		return err
	})
	return v, err
}

func appendQuat(b []byte, q core.Quat) []byte {
	b = appendFloatField(b, 1, q.X)
	b = appendFloatField(b, 2, q.Y)
	b = appendFloatField(b, 3, q.Z)
	b = appendFloatField(b, 4, q.W)
	return b
}

func parseQuat(b []byte) (core.Quat, error) {
	var q core.Quat
	err := walkFields(b, func(f field) (err error) {
		switch f.num {
		case 1:
			q.X, err = f.float32()
		case 2:
			q.Y, err = f.float32()
		case 3:
			q.Z, err = f.float32()
		case 4:
			q.W, err = f.float32()
		}
		return err
	})
	return q, err
}

func appendRigidbody(b []byte, s core.RigidbodySnapshot) []byte {
	b = appendMessageField(b, 1, func(b []byte) []byte { return appendVec3(b, s.Position) })
	b = appendMessageField(b, 2, func(b []byte) []byte { return appendQuat(b, s.Rotation) })
	b = appendMessageField(b, 3, func(b []byte) []byte { return appendVec3(b, s.Velocity) })
	b = appendMessageField(b, 4, func(b []byte) []byte { return appendVec3(b, s.AngularVelocity) })
	return b
}

func parseRigidbody(b []byte) (core.RigidbodySnapshot, error) {
	var s core.RigidbodySnapshot
	err := walkFields(b, func(f field) error {
		if f.num < 1 || f.num > 4 {
			return nil
		}
		raw, err := f.message()
		if err != nil {
			return err
		}
		switch f.num {
		case 1:
			s.Position, err = parseVec3(raw)
		case 2:
			s.Rotation, err = parseQuat(raw)
		case 3:
			s.Velocity, err = parseVec3(raw)
		case 4:
			s.AngularVelocity, err = parseVec3(raw)
		}
		return err
	})
	return s, err
}

func appendBogie(b []byte, d core.BogieData) []byte {
	b = appendStringField(b, 1, d.TrackID)
	b = appendDoubleField(b, 2, d.PositionAlongTrack)
	b = appendBoolField(b, 3, d.Derailed)
	return b
}

func parseBogie(b []byte) (core.BogieData, error) {
	var d core.BogieData
	err := walkFields(b, func(f field) (err error) {
		switch f.num {
		case 1:
			d.TrackID, err = f.string()
		case 2:
			d.PositionAlongTrack, err = f.float64()
		case 3:
			d.Derailed, err = f.bool()
		}
		return err
	})
	return d, err
}
