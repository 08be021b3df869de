package ledgerdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync"
	"time"
)

// Key encoding is order-preserving: bytes.Compare on two encoded keys agrees
// with the natural ordering of the values. It is also prefix-free, so an
// encoded value can be followed by more data (an index key is value‖pk).
//
// Every component starts with a type tag. Strings are escaped so that 0x00
// becomes 0x00 0xFF, and are terminated by 0x00 0x01. Tags never use 0xFF,
// so a successor of any encoded prefix always exists.
const (
	keyTagFalse  byte = 0x10
	keyTagTrue   byte = 0x11
	keyTagInt    byte = 0x20
	keyTagUint   byte = 0x21
	keyTagFloat  byte = 0x30
	keyTagTime   byte = 0x40
	keyTagString byte = 0x50
)

var (
	timeType           = reflect.TypeOf(time.Time{})
	errKeyTruncated    = errors.New("truncated key")
	errKeyTagMismatch  = errors.New("unexpected key component tag")
	keyEncodingCache   sync.Map
	errUnsupportedType = errors.New("unsupported key type")
)

type keyKind int

const (
	keyKindBool keyKind = iota
	keyKindInt
	keyKindUint
	keyKindFloat
	keyKindTime
	keyKindString
)

type keyComponent struct {
	index []int
	kind  keyKind
	typ   reflect.Type
}

type keyEncoding struct {
	typ   reflect.Type
	comps []keyComponent
}

func keyEncodingFor(typ reflect.Type) *keyEncoding {
	if v, ok := keyEncodingCache.Load(typ); ok {
		return v.(*keyEncoding)
	}
	enc := &keyEncoding{typ: typ}
	ensure(enc.collect(typ, nil))
	actual, _ := keyEncodingCache.LoadOrStore(typ, enc)
	return actual.(*keyEncoding)
}

func (enc *keyEncoding) collect(typ reflect.Type, index []int) error {
	if typ == timeType {
		enc.comps = append(enc.comps, keyComponent{index, keyKindTime, typ})
		return nil
	}
	switch typ.Kind() {
	case reflect.Bool:
		enc.comps = append(enc.comps, keyComponent{index, keyKindBool, typ})
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		enc.comps = append(enc.comps, keyComponent{index, keyKindInt, typ})
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		enc.comps = append(enc.comps, keyComponent{index, keyKindUint, typ})
	case reflect.Float32, reflect.Float64:
		enc.comps = append(enc.comps, keyComponent{index, keyKindFloat, typ})
	case reflect.String:
		enc.comps = append(enc.comps, keyComponent{index, keyKindString, typ})
	case reflect.Struct:
		n := typ.NumField()
		if n == 0 {
			return fmt.Errorf("%w: empty struct %v", errUnsupportedType, typ)
		}
		for i := 0; i < n; i++ {
			f := typ.Field(i)
			if !f.IsExported() {
				return fmt.Errorf("%w: %v has unexported field %s", errUnsupportedType, typ, f.Name)
			}
			sub := append(append([]int(nil), index...), i)
			if err := enc.collect(f.Type, sub); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: %v", errUnsupportedType, typ)
	}
	return nil
}

// isSingleString reports whether the key is a plain string, which is the only
// shape that supports prefix matching.
func (enc *keyEncoding) isSingleString() bool {
	return len(enc.comps) == 1 && enc.comps[0].kind == keyKindString && enc.comps[0].index == nil
}

func (enc *keyEncoding) coerce(v any) (reflect.Value, error) {
	if v == nil {
		return reflect.Value{}, fmt.Errorf("nil key, wanted %v", enc.typ)
	}
	val := reflect.ValueOf(v)
	if val.Type() == enc.typ {
		return val, nil
	}
	if val.Kind() == reflect.Ptr && val.Type().Elem() == enc.typ && !val.IsNil() {
		return val.Elem(), nil
	}
	if isNumberKind(val.Kind()) && isNumberKind(enc.typ.Kind()) {
		out, fit, err := convertNumber(val, enc.typ)
		if err != nil {
			return reflect.Value{}, err
		}
		if fit != fitExact {
			return reflect.Value{}, fmt.Errorf("key %v does not fit %v", v, enc.typ)
		}
		return out, nil
	}
	if val.Kind() == enc.typ.Kind() && (val.Kind() == reflect.String || val.Kind() == reflect.Bool) {
		return val.Convert(enc.typ), nil
	}
	return reflect.Value{}, fmt.Errorf("key is %T, wanted %v", v, enc.typ)
}

func isNumberKind(k reflect.Kind) bool {
	return isIntKind(k) || isUintKind(k) || k == reflect.Float32 || k == reflect.Float64
}

func isIntKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}

func isUintKind(k reflect.Kind) bool {
	switch k {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return true
	}
	return false
}

// keyFit tells how a number relates to the nearest value of a key type.
type keyFit int

const (
	fitExact     keyFit = iota
	fitAbove            // lies between the converted value and the next one
	fitUnderflow        // below every value of the type
	fitOverflow         // above every value of the type
)

// convertNumber converts a number to the numeric type typ, rounding down.
// Out-of-range numbers return the zero value along with fitUnderflow or
// fitOverflow.
func convertNumber(val reflect.Value, typ reflect.Type) (reflect.Value, keyFit, error) {
	out := reflect.New(typ).Elem()
	src := val.Kind()
	if (src == reflect.Float32 || src == reflect.Float64) && math.IsNaN(val.Float()) {
		return out, fitExact, fmt.Errorf("NaN is not a valid %v key", typ)
	}
	switch {
	case typ.Kind() == reflect.Float32 || typ.Kind() == reflect.Float64:
		switch {
		case isIntKind(src):
			out.SetFloat(float64(val.Int()))
		case isUintKind(src):
			out.SetFloat(float64(val.Uint()))
		default:
			out.SetFloat(val.Float())
		}
		return out, fitExact, nil

	case isIntKind(typ.Kind()):
		bits := typ.Bits()
		lo := int64(-1) << (bits - 1)
		hi := int64(uint64(1)<<(bits-1) - 1)
		switch {
		case isIntKind(src):
			x := val.Int()
			if x < lo {
				return out, fitUnderflow, nil
			} else if x > hi {
				return out, fitOverflow, nil
			}
			out.SetInt(x)
		case isUintKind(src):
			x := val.Uint()
			if x > uint64(hi) {
				return out, fitOverflow, nil
			}
			out.SetInt(int64(x))
		default:
			x := val.Float()
			if x < float64(lo) {
				return out, fitUnderflow, nil
			} else if x >= -float64(lo) {
				return out, fitOverflow, nil
			}
			f := math.Floor(x)
			out.SetInt(int64(f))
			if f != x {
				return out, fitAbove, nil
			}
		}
		return out, fitExact, nil

	default:
		bits := typ.Bits()
		hi := ^uint64(0) >> (64 - bits)
		switch {
		case isIntKind(src):
			x := val.Int()
			if x < 0 {
				return out, fitUnderflow, nil
			} else if uint64(x) > hi {
				return out, fitOverflow, nil
			}
			out.SetUint(uint64(x))
		case isUintKind(src):
			x := val.Uint()
			if x > hi {
				return out, fitOverflow, nil
			}
			out.SetUint(x)
		default:
			x := val.Float()
			if x < 0 {
				return out, fitUnderflow, nil
			} else if x >= math.Ldexp(1, bits) {
				return out, fitOverflow, nil
			}
			f := math.Floor(x)
			out.SetUint(uint64(f))
			if f != x {
				return out, fitAbove, nil
			}
		}
		return out, fitExact, nil
	}
}

func (enc *keyEncoding) encodeAny(buf []byte, v any) ([]byte, error) {
	val, err := enc.coerce(v)
	if err != nil {
		return nil, err
	}
	return enc.encode(buf, val), nil
}

// encodeBound encodes a query value that may fall between keys of a
// numeric key type. When fit is fitAbove, raw is the largest key below v;
// when v is out of range, raw is nil.
func (enc *keyEncoding) encodeBound(v any) (raw []byte, fit keyFit, err error) {
	if v != nil && isNumberKind(enc.typ.Kind()) {
		val := reflect.ValueOf(v)
		if isNumberKind(val.Kind()) {
			out, fit, err := convertNumber(val, enc.typ)
			if err != nil || fit == fitUnderflow || fit == fitOverflow {
				return nil, fit, err
			}
			return enc.encode(nil, out), fit, nil
		}
	}
	raw, err = enc.encodeAny(nil, v)
	return raw, fitExact, err
}

func (enc *keyEncoding) encode(buf []byte, val reflect.Value) []byte {
	for _, c := range enc.comps {
		v := val
		if c.index != nil {
			v = val.FieldByIndex(c.index)
		}
		buf = appendKeyComponent(buf, c.kind, v)
	}
	return buf
}

func appendKeyComponent(buf []byte, kind keyKind, v reflect.Value) []byte {
	switch kind {
	case keyKindBool:
		if v.Bool() {
			return append(buf, keyTagTrue)
		}
		return append(buf, keyTagFalse)
	case keyKindInt:
		buf = append(buf, keyTagInt)
		return binary.BigEndian.AppendUint64(buf, uint64(v.Int())^(1<<63))
	case keyKindUint:
		buf = append(buf, keyTagUint)
		return binary.BigEndian.AppendUint64(buf, v.Uint())
	case keyKindFloat:
		bits := math.Float64bits(v.Float())
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		buf = append(buf, keyTagFloat)
		return binary.BigEndian.AppendUint64(buf, bits)
	case keyKindTime:
		t := v.Interface().(time.Time)
		buf = append(buf, keyTagTime)
		buf = binary.BigEndian.AppendUint64(buf, uint64(t.Unix())^(1<<63))
		return binary.BigEndian.AppendUint32(buf, uint32(t.Nanosecond()))
	case keyKindString:
		buf = append(buf, keyTagString)
		buf = appendEscapedString(buf, v.String())
		return append(buf, 0x00, 0x01)
	default:
		panic("unreachable")
	}
}

func appendEscapedString(buf []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			buf = append(buf, 0x00, 0xFF)
		} else {
			buf = append(buf, s[i])
		}
	}
	return buf
}

// encodeStringPrefix returns the encoding of every string key starting with s,
// without the terminator.
func (enc *keyEncoding) encodeStringPrefix(s string) []byte {
	return appendEscapedString([]byte{keyTagString}, s)
}

// decode decodes a key from the front of b into val (which must be settable)
// and returns the rest of b.
func (enc *keyEncoding) decode(b []byte, val reflect.Value) ([]byte, error) {
	var err error
	for _, c := range enc.comps {
		v := val
		if c.index != nil {
			v = val.FieldByIndex(c.index)
		}
		b, err = decodeKeyComponent(b, c.kind, v)
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (enc *keyEncoding) decodeAny(b []byte) (any, error) {
	val := reflect.New(enc.typ).Elem()
	if _, err := enc.decode(b, val); err != nil {
		return nil, dataErrf(b, 0, err, "decode %v key", enc.typ)
	}
	return val.Interface(), nil
}

// skip returns the length of the encoded key at the front of b.
func (enc *keyEncoding) skip(b []byte) (int, error) {
	orig := len(b)
	for _, c := range enc.comps {
		var err error
		b, err = skipKeyComponent(b, c.kind)
		if err != nil {
			return 0, err
		}
	}
	return orig - len(b), nil
}

func decodeKeyComponent(b []byte, kind keyKind, v reflect.Value) ([]byte, error) {
	if len(b) == 0 {
		return nil, errKeyTruncated
	}
	tag := b[0]
	b = b[1:]
	switch kind {
	case keyKindBool:
		switch tag {
		case keyTagFalse:
			v.SetBool(false)
		case keyTagTrue:
			v.SetBool(true)
		default:
			return nil, errKeyTagMismatch
		}
		return b, nil
	case keyKindInt, keyKindUint, keyKindFloat:
		if len(b) < 8 {
			return nil, errKeyTruncated
		}
		u := binary.BigEndian.Uint64(b)
		switch {
		case kind == keyKindInt && tag == keyTagInt:
			v.SetInt(int64(u ^ (1 << 63)))
		case kind == keyKindUint && tag == keyTagUint:
			v.SetUint(u)
		case kind == keyKindFloat && tag == keyTagFloat:
			if u&(1<<63) != 0 {
				u &^= 1 << 63
			} else {
				u = ^u
			}
			v.SetFloat(math.Float64frombits(u))
		default:
			return nil, errKeyTagMismatch
		}
		return b[8:], nil
	case keyKindTime:
		if tag != keyTagTime {
			return nil, errKeyTagMismatch
		}
		if len(b) < 12 {
			return nil, errKeyTruncated
		}
		sec := int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
		nsec := int64(binary.BigEndian.Uint32(b[8:]))
		v.Set(reflect.ValueOf(time.Unix(sec, nsec).UTC()))
		return b[12:], nil
	case keyKindString:
		if tag != keyTagString {
			return nil, errKeyTagMismatch
		}
		var out []byte
		for i := 0; i < len(b); i++ {
			if b[i] != 0 {
				out = append(out, b[i])
				continue
			}
			if i+1 >= len(b) {
				return nil, errKeyTruncated
			}
			switch b[i+1] {
			case 0xFF:
				out = append(out, 0)
				i++
			case 0x01:
				v.SetString(string(out))
				return b[i+2:], nil
			default:
				return nil, errKeyTagMismatch
			}
		}
		return nil, errKeyTruncated
	default:
		panic("unreachable")
	}
}

func skipKeyComponent(b []byte, kind keyKind) ([]byte, error) {
	if len(b) == 0 {
		return nil, errKeyTruncated
	}
	switch kind {
	case keyKindBool:
		return b[1:], nil
	case keyKindInt, keyKindUint, keyKindFloat:
		if len(b) < 9 {
			return nil, errKeyTruncated
		}
		return b[9:], nil
	case keyKindTime:
		if len(b) < 13 {
			return nil, errKeyTruncated
		}
		return b[13:], nil
	case keyKindString:
		for i := 1; i+1 < len(b); i++ {
			if b[i] == 0 {
				if b[i+1] == 0x01 {
					return b[i+2:], nil
				}
				i++
			}
		}
		return nil, errKeyTruncated
	default:
		panic("unreachable")
	}
}
