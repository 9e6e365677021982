// Package wire implements the little-endian binary layout shared by ledger
// instruction arguments and account data.
package wire

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"leaseflow/address"
)

var ErrShortBuffer = errors.New("wire: short buffer")

// Discriminator returns the 8-byte prefix for "<namespace>:<name>".
func Discriminator(namespace, name string) [8]byte {
	sum := sha256.Sum256([]byte(namespace + ":" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// Writer appends encoded fields.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer { return &Writer{buf: make([]byte, 0, 128)} }

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) Raw(b []byte) *Writer {
	w.buf = append(w.buf, b...)
	return w
}

func (w *Writer) U8(v uint8) *Writer {
	w.buf = append(w.buf, v)
	return w
}

func (w *Writer) Bool(v bool) *Writer {
	if v {
		return w.U8(1)
	}
	return w.U8(0)
}

func (w *Writer) U16(v uint16) *Writer {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
	return w
}

func (w *Writer) U32(v uint32) *Writer {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
	return w
}

func (w *Writer) U64(v uint64) *Writer {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
	return w
}

func (w *Writer) I64(v int64) *Writer { return w.U64(uint64(v)) }

func (w *Writer) Address(a address.Address) *Writer { return w.Raw(a[:]) }

// OptionAddress writes a 1-byte tag followed by the address when present.
func (w *Writer) OptionAddress(a *address.Address) *Writer {
	if a == nil {
		return w.U8(0)
	}
	return w.U8(1).Address(*a)
}

func (w *Writer) OptionI64(v *int64) *Writer {
	if v == nil {
		return w.U8(0)
	}
	return w.U8(1).I64(*v)
}

// String writes a u32 length prefix and the bytes.
func (w *Writer) String(s string) *Writer {
	return w.U32(uint32(len(s))).Raw([]byte(s))
}

// Reader consumes encoded fields; the first failure sticks and is reported by Err.
type Reader struct {
	buf []byte
	off int
	err error
}

func NewReader(b []byte) *Reader { return &Reader{buf: b} }

func (r *Reader) Err() error { return r.err }

func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: need %d at offset %d of %d", ErrShortBuffer, n, r.off, len(r.buf))
		return make([]byte, n)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) Raw(n int) []byte {
	out := make([]byte, n)
	copy(out, r.take(n))
	return out
}

func (r *Reader) U8() uint8 { return r.take(1)[0] }

func (r *Reader) Bool() bool { return r.U8() != 0 }

func (r *Reader) U16() uint16 { return binary.LittleEndian.Uint16(r.take(2)) }

func (r *Reader) U32() uint32 { return binary.LittleEndian.Uint32(r.take(4)) }

func (r *Reader) U64() uint64 { return binary.LittleEndian.Uint64(r.take(8)) }

func (r *Reader) I64() int64 { return int64(r.U64()) }

func (r *Reader) Address() address.Address {
	var a address.Address
	copy(a[:], r.take(address.Size))
	return a
}

func (r *Reader) OptionAddress() *address.Address {
	if r.U8() == 0 {
		return nil
	}
	a := r.Address()
	return &a
}

func (r *Reader) OptionI64() *int64 {
	if r.U8() == 0 {
		return nil
	}
	v := r.I64()
	return &v
}

func (r *Reader) String() string {
	n := r.U32()
	if r.err == nil && int(n) > r.Remaining() {
		r.err = fmt.Errorf("%w: string of %d bytes", ErrShortBuffer, n)
		return ""
	}
	return string(r.take(int(n)))
}

// Expect consumes the discriminator and fails when it does not match.
func (r *Reader) Expect(d [8]byte) {
	got := r.take(8)
	if r.err == nil && [8]byte(got) != d {
		r.err = fmt.Errorf("wire: discriminator mismatch: got %x want %x", got, d)
	}
}

// AppendCompactU16 appends the ledger's variable-length u16 encoding.
func AppendCompactU16(b []byte, v int) []byte {
	for {
		elem := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(b, elem)
		}
		b = append(b, elem|0x80)
	}
}

// ReadCompactU16 decodes a compact u16 and returns the value and bytes consumed.
func ReadCompactU16(b []byte) (int, int, error) {
	v := 0
	for i := 0; i < 3; i++ {
		if i >= len(b) {
			return 0, 0, ErrShortBuffer
		}
		v |= int(b[i]&0x7f) << (7 * i)
		if b[i]&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, errors.New("wire: compact-u16 overflow")
}
