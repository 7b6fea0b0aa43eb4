// Package codec implements a self-describing binary marshaler: the wire
// carries no type tags, so encoder and decoder are selected by the shape of
// a prototype value — Go's static typing gives us that shape directly via
// reflection over the prototype's reflect.Type, rather than runtime element
// inspection as a dynamically typed client would need.
//
// The wire layout is hand-rolled little-endian rather than delegated to a
// generic self-describing format, since it needs an exact, tagless field
// layout a generic encoding would not produce.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"reflect"
)

// ErrEOF is returned whenever a decode operation needs more bytes than the
// buffer has left. It also propagates out of a nested unmarshal that hits
// an unknown/unsupported shape.
var ErrEOF = errors.New("codec: unexpected end of buffer")

// ErrUnsupportedType is returned when encoding a value whose shape has no
// encoding rule (e.g. a channel, a func, a non-homogeneous interface
// slice), or when DecodeAs is given a nil prototype. A nested decode that
// hits an unknown shape propagates ErrEOF instead, not this.
var ErrUnsupportedType = errors.New("codec: unsupported prototype shape")

var bytesType = reflect.TypeOf([]byte(nil))

// Encode marshals v using v's own type as the schema.
func Encode(v interface{}) ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf, err := encodeValue(buf, reflect.ValueOf(v))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeAs unmarshals data using prototype's type as the schema, returning
// a new value of that same type.
func DecodeAs(data []byte, prototype interface{}) (interface{}, error) {
	protoType := reflect.TypeOf(prototype)
	if protoType == nil {
		return nil, fmt.Errorf("%w: nil prototype", ErrUnsupportedType)
	}
	out := reflect.New(protoType).Elem()
	d := &decoder{buf: data}
	if err := d.decodeInto(out); err != nil {
		return nil, err
	}
	return out.Interface(), nil
}

// -- encoding --------------------------------------------------------------

func encodeValue(buf []byte, v reflect.Value) ([]byte, error) {
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil

	case reflect.Int:
		// generic integer prototype: 4 bytes LE signed.
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(int32(v.Int())))
		return append(buf, tmp[:]...), nil

	case reflect.Int32:
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(v.Int()))
		return append(buf, tmp[:]...), nil

	case reflect.Int64:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], uint64(v.Int()))
		return append(buf, tmp[:]...), nil

	case reflect.Uint32:
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(v.Uint()))
		return append(buf, tmp[:]...), nil

	case reflect.Uint64:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], v.Uint())
		return append(buf, tmp[:]...), nil

	case reflect.Float32:
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(float32(v.Float())))
		return append(buf, tmp[:]...), nil

	case reflect.Float64:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v.Float()))
		return append(buf, tmp[:]...), nil

	case reflect.String:
		s := v.String()
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(int32(len(s))))
		buf = append(buf, tmp[:]...)
		return append(buf, s...), nil

	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return encodeBytes(buf, v.Bytes())
		}
		return encodeSeq(buf, v)

	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			return encodeBytes(buf, b)
		}
		return nil, fmt.Errorf("%w: array of %s", ErrUnsupportedType, v.Type().Elem())

	case reflect.Map:
		return encodeMap(buf, v)

	case reflect.Struct:
		buf = append(buf, 0) // is_null = false
		return encodeStructFields(buf, v)

	case reflect.Ptr:
		if v.IsNil() {
			return append(buf, 1), nil // is_null = true
		}
		buf = append(buf, 0)
		return encodeStructFields(buf, v.Elem())

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, v.Kind())
	}
}

func encodeBytes(buf []byte, b []byte) ([]byte, error) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(len(b)))
	buf = append(buf, tmp[:]...)
	return append(buf, b...), nil
}

func encodeSeq(buf []byte, v reflect.Value) ([]byte, error) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v.Len()))
	buf = append(buf, tmp[:]...)
	var err error
	for i := 0; i < v.Len(); i++ {
		buf, err = encodeValue(buf, v.Index(i))
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func encodeMap(buf []byte, v reflect.Value) ([]byte, error) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v.Len()))
	buf = append(buf, tmp[:]...)
	var err error
	iter := v.MapRange()
	for iter.Next() {
		buf, err = encodeValue(buf, iter.Key())
		if err != nil {
			return nil, err
		}
		buf, err = encodeValue(buf, iter.Value())
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func encodeStructFields(buf []byte, v reflect.Value) ([]byte, error) {
	t := v.Type()
	var err error
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" { // unexported
			continue
		}
		buf, err = encodeValue(buf, v.Field(i))
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
	}
	return buf, nil
}

// -- decoding ---------------------------------------------------------------

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || d.off+n > len(d.buf) {
		return nil, ErrEOF
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) decodeInto(v reflect.Value) error {
	switch v.Kind() {
	case reflect.Bool:
		b, err := d.take(1)
		if err != nil {
			return err
		}
		v.SetBool(b[0] != 0)
		return nil

	case reflect.Int:
		b, err := d.take(4)
		if err != nil {
			return err
		}
		v.SetInt(int64(int32(binary.LittleEndian.Uint32(b))))
		return nil

	case reflect.Int32:
		b, err := d.take(4)
		if err != nil {
			return err
		}
		v.SetInt(int64(int32(binary.LittleEndian.Uint32(b))))
		return nil

	case reflect.Int64:
		b, err := d.take(8)
		if err != nil {
			return err
		}
		v.SetInt(int64(binary.LittleEndian.Uint64(b)))
		return nil

	case reflect.Uint32:
		b, err := d.take(4)
		if err != nil {
			return err
		}
		v.SetUint(uint64(binary.LittleEndian.Uint32(b)))
		return nil

	case reflect.Uint64:
		b, err := d.take(8)
		if err != nil {
			return err
		}
		v.SetUint(binary.LittleEndian.Uint64(b))
		return nil

	case reflect.Float32:
		b, err := d.take(4)
		if err != nil {
			return err
		}
		v.SetFloat(float64(math.Float32frombits(binary.LittleEndian.Uint32(b))))
		return nil

	case reflect.Float64:
		b, err := d.take(8)
		if err != nil {
			return err
		}
		v.SetFloat(math.Float64frombits(binary.LittleEndian.Uint64(b)))
		return nil

	case reflect.String:
		lb, err := d.take(4)
		if err != nil {
			return err
		}
		n := int(int32(binary.LittleEndian.Uint32(lb)))
		sb, err := d.take(n)
		if err != nil {
			return err
		}
		v.SetString(string(sb))
		return nil

	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b, err := d.decodeBytes()
			if err != nil {
				return err
			}
			v.SetBytes(b)
			return nil
		}
		return d.decodeSeq(v)

	case reflect.Map:
		return d.decodeMap(v)

	case reflect.Struct:
		isNullB, err := d.take(1)
		if err != nil {
			return err
		}
		if isNullB[0] != 0 {
			v.Set(reflect.Zero(v.Type()))
			return nil
		}
		return d.decodeStructFields(v)

	case reflect.Ptr:
		isNullB, err := d.take(1)
		if err != nil {
			return err
		}
		if isNullB[0] != 0 {
			v.Set(reflect.Zero(v.Type()))
			return nil
		}
		elem := reflect.New(v.Type().Elem())
		if err := d.decodeStructFields(elem.Elem()); err != nil {
			return err
		}
		v.Set(elem)
		return nil

	default:
		return fmt.Errorf("%w: unknown shape %s", ErrEOF, v.Kind())
	}
}

func (d *decoder) decodeBytes() ([]byte, error) {
	lb, err := d.take(8)
	if err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint64(lb))
	b, err := d.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (d *decoder) decodeSeq(v reflect.Value) error {
	lb, err := d.take(8)
	if err != nil {
		return err
	}
	n := int(binary.LittleEndian.Uint64(lb))
	if n < 0 {
		return ErrEOF
	}
	elemType := v.Type().Elem()
	out := reflect.MakeSlice(v.Type(), n, n)
	for i := 0; i < n; i++ {
		elem := reflect.New(elemType).Elem()
		if err := d.decodeInto(elem); err != nil {
			return err
		}
		out.Index(i).Set(elem)
	}
	v.Set(out)
	return nil
}

func (d *decoder) decodeMap(v reflect.Value) error {
	lb, err := d.take(8)
	if err != nil {
		return err
	}
	n := int(binary.LittleEndian.Uint64(lb))
	if n < 0 {
		return ErrEOF
	}
	keyType := v.Type().Key()
	valType := v.Type().Elem()
	out := reflect.MakeMapWithSize(v.Type(), n)
	for i := 0; i < n; i++ {
		k := reflect.New(keyType).Elem()
		if err := d.decodeInto(k); err != nil {
			return err
		}
		val := reflect.New(valType).Elem()
		if err := d.decodeInto(val); err != nil {
			return err
		}
		out.SetMapIndex(k, val)
	}
	v.Set(out)
	return nil
}

func (d *decoder) decodeStructFields(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue
		}
		if err := d.decodeInto(v.Field(i)); err != nil {
			return fmt.Errorf("field %s: %w", f.Name, err)
		}
	}
	return nil
}
