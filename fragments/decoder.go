package fragments

import (
	"bytes"
	"fmt"
	"io"
)

// A Decoder reads a DBus wire format fragment from an in-memory
// buffer.
//
// Methods advance the read cursor as needed to account for the
// padding required by DBus alignment rules, except for [Decoder.Read]
// which reads bytes verbatim. Alignment is relative to the start of
// In, with the same caveat as [Encoder]: a fragment extracted from a
// larger message must begin at an offset congruent to its required
// alignment, which holds for message bodies.
type Decoder struct {
	// Order is the byte order to use when reading multi-byte values.
	// [Decoder.ByteOrderFlag] sets it from an endianness flag byte.
	Order ByteOrder
	// In is the input buffer.
	In []byte

	pos int
}

// Pos reports the read cursor's offset from the start of the input.
func (d *Decoder) Pos() int { return d.pos }

// Remaining reports the number of bytes left to read.
func (d *Decoder) Remaining() int { return len(d.In) - d.pos }

// Rewind moves the read cursor back to the start of the input.
func (d *Decoder) Rewind() { d.pos = 0 }

// Pad advances the read cursor as needed to make the next read happen
// at a multiple of align bytes. If the cursor is already correctly
// aligned, it does not move.
func (d *Decoder) Pad(align int) error {
	extra := d.pos % align
	if extra == 0 {
		return nil
	}
	return d.skip(align - extra)
}

func (d *Decoder) skip(n int) error {
	if d.Remaining() < n {
		d.pos = len(d.In)
		return io.ErrUnexpectedEOF
	}
	d.pos += n
	return nil
}

// Read returns the next n bytes of input, with no framing or padding.
// The returned slice aliases the decoder's buffer and is only valid
// for as long as the buffer is.
func (d *Decoder) Read(n int) ([]byte, error) {
	if d.Remaining() < n {
		d.pos = len(d.In)
		return nil, io.ErrUnexpectedEOF
	}
	bs := d.In[d.pos : d.pos+n : d.pos+n]
	d.pos += n
	return bs, nil
}

// Bytes reads a DBus byte array. The returned slice aliases the
// decoder's buffer.
func (d *Decoder) Bytes() ([]byte, error) {
	ln, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	return d.Read(int(ln))
}

// String reads a DBus string: a uint32 length, the string bytes, and
// a NUL terminator.
func (d *Decoder) String() (string, error) {
	ln, err := d.Uint32()
	if err != nil {
		return "", err
	}
	bs, err := d.Read(int(ln) + 1)
	if err != nil {
		return "", err
	}
	if bs[ln] != 0 {
		return "", fmt.Errorf("string %q missing NUL terminator", bs[:ln])
	}
	if i := bytes.IndexByte(bs[:ln], 0); i >= 0 {
		return "", fmt.Errorf("string %q contains a NUL byte", bs[:ln])
	}
	return string(bs[:ln]), nil
}

// Signature reads a DBus signature: a uint8 length, the signature
// bytes, and a NUL terminator.
func (d *Decoder) Signature() (string, error) {
	ln, err := d.Uint8()
	if err != nil {
		return "", err
	}
	bs, err := d.Read(int(ln) + 1)
	if err != nil {
		return "", err
	}
	if bs[ln] != 0 {
		return "", fmt.Errorf("signature %q missing NUL terminator", bs[:ln])
	}
	return string(bs[:ln]), nil
}

// Uint8 reads a uint8.
func (d *Decoder) Uint8() (uint8, error) {
	bs, err := d.Read(1)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

// Uint16 reads a uint16.
func (d *Decoder) Uint16() (uint16, error) {
	if err := d.Pad(2); err != nil {
		return 0, err
	}
	bs, err := d.Read(2)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint16(bs), nil
}

// Uint32 reads a uint32.
func (d *Decoder) Uint32() (uint32, error) {
	if err := d.Pad(4); err != nil {
		return 0, err
	}
	bs, err := d.Read(4)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint32(bs), nil
}

// Uint64 reads a uint64.
func (d *Decoder) Uint64() (uint64, error) {
	if err := d.Pad(8); err != nil {
		return 0, err
	}
	bs, err := d.Read(8)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint64(bs), nil
}

// ByteOrderFlag reads a DBus byte order flag byte, and sets
// [Decoder.Order] to match it.
func (d *Decoder) ByteOrderFlag() error {
	v, err := d.Uint8()
	if err != nil {
		return err
	}
	switch v {
	case 'B':
		d.Order = BigEndian
	case 'l':
		d.Order = LittleEndian
	default:
		return fmt.Errorf("unknown byte order flag %q", v)
	}
	return nil
}
