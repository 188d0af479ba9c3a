package protocol

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// 与 protobuf 线格式兼容的手写编解码，零值字段不写出。

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarintField(b, num, 1)
}

func appendFloatField(b []byte, num protowire.Number, v float32) []byte {
	bits := math.Float32bits(v)
	if bits == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, bits)
}

func appendDoubleField(b []byte, num protowire.Number, v float64) []byte {
	bits := math.Float64bits(v)
	if bits == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, bits)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// appendMessageField 嵌套消息，空消息也写出以保留存在性
func appendMessageField(b []byte, num protowire.Number, fn func([]byte) []byte) []byte {
	return appendBytesField(b, num, fn(nil))
}

// repeated string 逐个写出（不可打包）
func appendStringsField(b []byte, num protowire.Number, ss []string) []byte {
	for _, s := range ss {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	return b
}

// packed repeated float
func appendPackedFloats(b []byte, num protowire.Number, vs []float32) []byte {
	if len(vs) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(len(vs)*4))
	for _, v := range vs {
		b = protowire.AppendFixed32(b, math.Float32bits(v))
	}
	return b
}

// packed repeated bool
func appendPackedBools(b []byte, num protowire.Number, vs []bool) []byte {
	if len(vs) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(len(vs)))
	for _, v := range vs {
		if v {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
	}
	return b
}

// field 一个已解析的字段
type field struct {
	num   protowire.Number
	typ   protowire.Type
	value uint64 // varint / fixed32 / fixed64
	bytes []byte // length-delimited
}

func (f field) uint16() (uint16, error) {
	if f.typ != protowire.VarintType {
		return 0, f.typeError()
	}
	if f.value > math.MaxUint16 {
		return 0, fmt.Errorf("字段 %d 超出 uint16 范围: %d", f.num, f.value)
	}
	return uint16(f.value), nil
}

func (f field) uint32() (uint32, error) {
	if f.typ != protowire.VarintType {
		return 0, f.typeError()
	}
	return uint32(f.value), nil
}

func (f field) uint8() (uint8, error) {
	if f.typ != protowire.VarintType {
		return 0, f.typeError()
	}
	if f.value > math.MaxUint8 {
		return 0, fmt.Errorf("字段 %d 超出 uint8 范围: %d", f.num, f.value)
	}
	return uint8(f.value), nil
}

func (f field) bool() (bool, error) {
	if f.typ != protowire.VarintType {
		return false, f.typeError()
	}
	return f.value != 0, nil
}

func (f field) float32() (float32, error) {
	if f.typ != protowire.Fixed32Type {
		return 0, f.typeError()
	}
	return math.Float32frombits(uint32(f.value)), nil
}

func (f field) float64() (float64, error) {
	if f.typ != protowire.Fixed64Type {
		return 0, f.typeError()
	}
	return math.Float64frombits(f.value), nil
}

func (f field) string() (string, error) {
	if f.typ != protowire.BytesType {
		return "", f.typeError()
	}
	return string(f.bytes), nil
}

func (f field) message() ([]byte, error) {
	if f.typ != protowire.BytesType {
		return nil, f.typeError()
	}
	return f.bytes, nil
}

// floats 同时接受 packed 与非 packed 编码
func (f field) floats(dst []float32) ([]float32, error) {
	switch f.typ {
	case protowire.Fixed32Type:
		return append(dst, math.Float32frombits(uint32(f.value))), nil
	case protowire.BytesType:
		b := f.bytes
		for len(b) > 0 {
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return dst, fmt.Errorf("字段 %d: %w", f.num, ErrTruncated)
			}
			dst = append(dst, math.Float32frombits(v))
			b = b[n:]
		}
		return dst, nil
	default:
		return dst, f.typeError()
	}
}

func (f field) bools(dst []bool) ([]bool, error) {
	switch f.typ {
	case protowire.VarintType:
		return append(dst, f.value != 0), nil
	case protowire.BytesType:
		b := f.bytes
		for len(b) > 0 {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return dst, fmt.Errorf("字段 %d: %w", f.num, ErrTruncated)
			}
			dst = append(dst, v != 0)
			b = b[n:]
		}
		return dst, nil
	default:
		return dst, f.typeError()
	}
}

func (f field) typeError() error {
	return fmt.Errorf("字段 %d 线类型不匹配: %d", f.num, f.typ)
}

// walkFields 依次解析每个字段，未知字段与 group 会被跳过
func walkFields(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("解析标签失败: %w", protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.value, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.value = uint64(v)
		case protowire.Fixed64Type:
			f.value, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("字段 %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return fmt.Errorf("字段 %d: %w", num, ErrTruncated)
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// appendVarintAlways 无条件写出 varint 字段
func appendVarintAlways(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
