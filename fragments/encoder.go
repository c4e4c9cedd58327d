package fragments

// An Encoder builds a DBus wire format fragment in an in-memory
// buffer.
//
// Methods insert padding as needed to conform to DBus alignment
// rules, except for [Encoder.Write] which outputs bytes verbatim.
// Alignment is relative to the start of Out, so a fragment that must
// land at a particular alignment within a larger message has to begin
// at an offset congruent to that alignment. In practice message
// bodies begin at a multiple of 8, the largest alignment DBus uses,
// so encoding a body standalone is safe.
type Encoder struct {
	// Order is the byte order to use when encoding multi-byte values.
	Order ByteOrder
	// Out is the encoded output.
	Out []byte
}

// Pad inserts zero bytes as needed to make the output a multiple of
// align bytes. If the output is already correctly aligned, no padding
// is inserted.
func (e *Encoder) Pad(align int) {
	extra := len(e.Out) % align
	if extra == 0 {
		return
	}
	var pad [8]byte
	e.Out = append(e.Out, pad[:align-extra]...)
}

// Write writes bs as-is to the output. It is the caller's
// responsibility to ensure correct padding and encoding.
func (e *Encoder) Write(bs []byte) {
	e.Out = append(e.Out, bs...)
}

// Uint8 writes a uint8.
func (e *Encoder) Uint8(u8 uint8) {
	e.Out = append(e.Out, u8)
}

// Uint16 writes a uint16.
func (e *Encoder) Uint16(u16 uint16) {
	e.Pad(2)
	e.Out = e.Order.AppendUint16(e.Out, u16)
}

// Uint32 writes a uint32.
func (e *Encoder) Uint32(u32 uint32) {
	e.Pad(4)
	e.Out = e.Order.AppendUint32(e.Out, u32)
}

// Uint64 writes a uint64.
func (e *Encoder) Uint64(u64 uint64) {
	e.Pad(8)
	e.Out = e.Order.AppendUint64(e.Out, u64)
}

// Bytes writes bs to the output as a DBus byte array.
func (e *Encoder) Bytes(bs []byte) {
	e.Uint32(uint32(len(bs)))
	e.Out = append(e.Out, bs...)
}

// String writes s to the output as a DBus string: a uint32 length,
// the string bytes, and a NUL terminator.
func (e *Encoder) String(s string) {
	e.Uint32(uint32(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

// Signature writes s to the output as a DBus signature: a uint8
// length, the signature bytes, and a NUL terminator.
func (e *Encoder) Signature(s string) {
	e.Uint8(uint8(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

// An ArrayFixup remembers where an array's length word was reserved,
// so that the length can be patched in when the array is closed.
type ArrayFixup struct {
	lenOffset int
	dataStart int
}

// BeginArray writes an array header: a placeholder length word,
// followed by padding to the alignment of the array's element type.
// The array's elements must then be written, and the returned fixup
// passed to [Encoder.EndArray].
//
// The wire format counts the element bytes but not the padding that
// precedes the first element, which is why the length cannot be
// written up front.
func (e *Encoder) BeginArray(elemAlign int) ArrayFixup {
	e.Uint32(0)
	off := len(e.Out) - 4
	e.Pad(elemAlign)
	return ArrayFixup{lenOffset: off, dataStart: len(e.Out)}
}

// EndArray patches the length word reserved by the matching
// [Encoder.BeginArray] with the number of element bytes written since.
func (e *Encoder) EndArray(fixup ArrayFixup) {
	e.Order.PutUint32(e.Out[fixup.lenOffset:], uint32(len(e.Out)-fixup.dataStart))
}

// ByteOrderFlag writes the DBus byte order flag byte ('l' or 'B')
// that matches [Encoder.Order].
func (e *Encoder) ByteOrderFlag() {
	e.Out = append(e.Out, e.Order.dbusFlag())
}
