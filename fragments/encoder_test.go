package fragments_test

import (
	"bytes"
	"testing"

	"github.com/sdbus-go/sdbus/fragments"
)

func TestEncoder(t *testing.T) {
	tests := []struct {
		name string
		in   func(*fragments.Encoder)
		want []byte
	}{
		{
			"raw bytes",
			func(e *fragments.Encoder) {
				e.Write([]byte{1, 2, 3})
			},
			[]byte{0x01, 0x02, 0x03},
		},

		{
			"byte array",
			func(e *fragments.Encoder) {
				e.Bytes([]byte{1, 2, 3})
			},
			[]byte{
				0x00, 0x00, 0x00, 0x03, // length
				0x01, 0x02, 0x03, // val
			},
		},

		{
			"string",
			func(e *fragments.Encoder) {
				e.String("foo")
			},
			[]byte{
				0x00, 0x00, 0x00, 0x03, // length
				0x66, 0x6f, 0x6f, // val
				0x00, // terminator
			},
		},

		{
			"signature",
			func(e *fragments.Encoder) {
				e.Signature("a(yv)")
			},
			[]byte{
				0x05,                         // length
				0x61, 0x28, 0x79, 0x76, 0x29, // val
				0x00, // terminator
			},
		},

		{
			"uints",
			func(e *fragments.Encoder) {
				e.Uint8(42)
				e.Uint16(66)
				e.Uint32(42)
				e.Uint64(66)
			},
			[]byte{
				0x2a,
				0x00, // pad
				0x00, 0x42,
				0x00, 0x00, 0x00, 0x2a,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x42,
			},
		},

		{
			"uints padding",
			func(e *fragments.Encoder) {
				e.Uint64(66)
				e.Write([]byte{0})
				e.Uint32(42)
				e.Write([]byte{0})
				e.Uint16(66)
				e.Write([]byte{0})
				e.Uint8(42)
			},
			[]byte{
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x42,
				0x00,             // raw
				0x00, 0x00, 0x00, // pad
				0x00, 0x00, 0x00, 0x2a,
				0x00, // raw
				0x00, // pad
				0x00, 0x42,
				0x00, // raw
				0x2a,
			},
		},

		{
			"array",
			func(e *fragments.Encoder) {
				fix := e.BeginArray(2)
				e.Uint16(1)
				e.Uint16(2)
				e.EndArray(fix)
			},
			[]byte{
				0x00, 0x00, 0x00, 0x04, // length
				0x00, 0x01,
				0x00, 0x02,
			},
		},

		{
			"empty array",
			func(e *fragments.Encoder) {
				fix := e.BeginArray(2)
				e.EndArray(fix)
			},
			[]byte{
				0x00, 0x00, 0x00, 0x00, // length
			},
		},

		{
			"array of 8-aligned elements",
			func(e *fragments.Encoder) {
				fix := e.BeginArray(8)
				e.Uint64(1)
				e.Uint64(2)
				e.EndArray(fix)
			},
			// Length counts the elements but not the padding between
			// the length word and the first element.
			[]byte{
				0x00, 0x00, 0x00, 0x10, // length
				0x00, 0x00, 0x00, 0x00, // pad
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x02,
			},
		},

		{
			"empty array of 8-aligned elements",
			func(e *fragments.Encoder) {
				fix := e.BeginArray(8)
				e.EndArray(fix)
			},
			[]byte{
				0x00, 0x00, 0x00, 0x00, // length
				0x00, 0x00, 0x00, 0x00, // pad
			},
		},

		{
			"array of structs",
			func(e *fragments.Encoder) {
				fix := e.BeginArray(8)
				e.Pad(8)
				e.Uint16(1)
				e.Pad(8)
				e.Uint16(2)
				e.EndArray(fix)
			},
			[]byte{
				0x00, 0x00, 0x00, 0x0a, // length
				0x00, 0x00, 0x00, 0x00, // pad
				0x00, 0x01,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // pad
				0x00, 0x02,
			},
		},

		{
			"array followed by other stuff",
			func(e *fragments.Encoder) {
				fix := e.BeginArray(2)
				e.Uint16(1)
				e.Uint16(2)
				e.EndArray(fix)
				e.Uint16(3)
			},
			[]byte{
				0x00, 0x00, 0x00, 0x04, // length
				0x00, 0x01,
				0x00, 0x02,
				0x00, 0x03,
			},
		},

		{
			"nested arrays",
			func(e *fragments.Encoder) {
				outer := e.BeginArray(4)
				inner := e.BeginArray(2)
				e.Uint16(1)
				e.EndArray(inner)
				inner = e.BeginArray(2)
				e.Uint16(2)
				e.Uint16(3)
				e.EndArray(inner)
				e.EndArray(outer)
			},
			[]byte{
				0x00, 0x00, 0x00, 0x10, // outer length
				0x00, 0x00, 0x00, 0x02, // inner length
				0x00, 0x01,
				0x00, 0x00, // pad
				0x00, 0x00, 0x00, 0x04, // inner length
				0x00, 0x02,
				0x00, 0x03,
			},
		},

		{
			"byte order flag",
			func(e *fragments.Encoder) {
				e.Order = fragments.BigEndian
				e.ByteOrderFlag()
				e.Order = fragments.LittleEndian
				e.ByteOrderFlag()
			},
			[]byte{'B', 'l'},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := fragments.Encoder{
				Order: fragments.BigEndian,
			}
			tc.in(&e)
			if got := e.Out; !bytes.Equal(got, tc.want) {
				t.Errorf("incorrect encode:\n  got: % x\n want: % x", got, tc.want)
			} else if testing.Verbose() {
				t.Logf("encoder got: % x", got)
			}
		})
	}
}
