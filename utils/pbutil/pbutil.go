// Package pbutil contains helpers for hand-encoding protobuf messages with csproto.
package pbutil

import (
	"fmt"
	"io"

	"github.com/CrowdStrike/csproto"
)

// maxTagVarintSize is enough for any tag key plus a 64-bit varint
const maxTagVarintSize = 20

type ErrUnexpectedWireType struct {
	Tag         int
	WireType    csproto.WireType
	ExpWireType csproto.WireType
}

func (e ErrUnexpectedWireType) Error() string {
	return fmt.Sprintf("unexpected wiretype for tag %d: got %v, expected %v",
		e.Tag, e.WireType, e.ExpWireType)
}

func ExpectWT(tag int, got, exp csproto.WireType) error {
	if got != exp {
		return ErrUnexpectedWireType{
			Tag:         tag,
			WireType:    got,
			ExpWireType: exp,
		}
	}
	return nil
}

func GetUInt64(d *csproto.Decoder, tag int, wireType csproto.WireType) (uint64, error) {
	if err := ExpectWT(tag, wireType, csproto.WireTypeVarint); err != nil {
		return 0, err
	}
	return d.DecodeUInt64()
}

func GetInt64(d *csproto.Decoder, tag int, wireType csproto.WireType) (int64, error) {
	if err := ExpectWT(tag, wireType, csproto.WireTypeVarint); err != nil {
		return 0, err
	}
	return d.DecodeInt64()
}

func GetBool(d *csproto.Decoder, tag int, wireType csproto.WireType) (bool, error) {
	if err := ExpectWT(tag, wireType, csproto.WireTypeVarint); err != nil {
		return false, err
	}
	return d.DecodeBool()
}

func GetBytes(d *csproto.Decoder, tag int, wireType csproto.WireType) ([]byte, error) {
	if err := ExpectWT(tag, wireType, csproto.WireTypeLengthDelimited); err != nil {
		return nil, err
	}
	val, err := d.DecodeBytes()
	if err != nil {
		return nil, err
	}
	n := len(val)
	return val[0:n:n], nil
}

func GetString(d *csproto.Decoder, tag int, wireType csproto.WireType) (string, error) {
	if err := ExpectWT(tag, wireType, csproto.WireTypeLengthDelimited); err != nil {
		return "", err
	}
	return d.DecodeString()
}

// NewDecoder returns a csproto Decoder in fast mode
func NewDecoder(data []byte) *csproto.Decoder {
	d := csproto.NewDecoder(data)
	d.SetMode(csproto.DecoderModeFast)
	return d
}

// AppendVarint appends a varint field. Zero values are skipped, like proto3.
func AppendVarint(b []byte, tag int, v uint64) []byte {
	if v == 0 {
		return b
	}
	var buf [maxTagVarintSize]byte
	n := csproto.EncodeTag(buf[:], tag, csproto.WireTypeVarint)
	n += csproto.EncodeVarint(buf[n:], v)
	return append(b, buf[:n]...)
}

// AppendInt64 appends a signed varint field, skipping zero values.
// Negative values take the full ten bytes.
func AppendInt64(b []byte, tag int, v int64) []byte {
	return AppendVarint(b, tag, uint64(v))
}

// AppendInt64Always appends a signed varint field even if it is zero.
// This is needed for fields where zero and absent have a different meaning.
func AppendInt64Always(b []byte, tag int, v int64) []byte {
	var buf [maxTagVarintSize]byte
	n := csproto.EncodeTag(buf[:], tag, csproto.WireTypeVarint)
	n += csproto.EncodeVarint(buf[n:], uint64(v))
	return append(b, buf[:n]...)
}

func AppendBool(b []byte, tag int, v bool) []byte {
	if !v {
		return b
	}
	return AppendVarint(b, tag, 1)
}

// AppendBytes appends a length delimited field. Empty values are skipped.
func AppendBytes(b []byte, tag int, data []byte) []byte {
	if len(data) == 0 {
		return b
	}
	return AppendMessage(b, tag, data)
}

// AppendMessage appends a length delimited field, even if it is empty.
// Use this for repeated embedded messages that must keep their position.
func AppendMessage(b []byte, tag int, data []byte) []byte {
	var buf [maxTagVarintSize]byte
	n := csproto.EncodeTag(buf[:], tag, csproto.WireTypeLengthDelimited)
	n += csproto.EncodeVarint(buf[n:], uint64(len(data)))
	b = append(b, buf[:n]...)
	return append(b, data...)
}

func AppendString(b []byte, tag int, s string) []byte {
	if s == "" {
		return b
	}
	return AppendMessage(b, tag, []byte(s))
}

// AppendRawVarint appends a bare varint without a tag, for packed fields
func AppendRawVarint(b []byte, v uint64) []byte {
	var buf [10]byte
	n := csproto.EncodeVarint(buf[:], v)
	return append(b, buf[:n]...)
}

// RawVarints decodes the contents of a packed varint field
func RawVarints(data []byte) ([]uint64, error) {
	var vals []uint64
	for len(data) > 0 {
		v, n, err := csproto.DecodeVarint(data)
		if err != nil {
			return nil, err
		}
		if n <= 0 || n > len(data) {
			return nil, io.ErrUnexpectedEOF
		}
		vals = append(vals, v)
		data = data[n:]
	}
	return vals, nil
}
