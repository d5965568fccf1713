package token

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

const maxStringLen = 255

type writer struct {
	buf bytes.Buffer
}

func (w *writer) fixed(b []byte) {
	w.buf.Write(b)
}

func (w *writer) uint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) uint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) id48(id int64) error {
	v, err := EncodeID(id)
	if err != nil {
		return err
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[2:])
	return nil
}

func (w *writer) float64(v float64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
	w.buf.Write(b[:])
}

func (w *writer) str(field, s string) error {
	if len(s) > maxStringLen {
		return fmt.Errorf("%s (%d bytes): %w", field, len(s), ErrStringTooLong)
	}
	w.buf.WriteByte(byte(len(s)))
	w.buf.WriteString(s)
	return nil
}

func (w *writer) bytes() []byte {
	return w.buf.Bytes()
}

type reader struct {
	b   []byte
	off int
}

func (r *reader) remaining() int {
	return len(r.b) - r.off
}

func (r *reader) take(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, ErrShortBuffer
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *reader) fixed(dst []byte) error {
	b, err := r.take(len(dst))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

func (r *reader) uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) id48() (int64, error) {
	b, err := r.take(6)
	if err != nil {
		return 0, err
	}
	var full [8]byte
	copy(full[2:], b)
	return DecodeID(binary.BigEndian.Uint64(full[:])), nil
}

func (r *reader) float64() (float64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

func (r *reader) str() (string, error) {
	n, err := r.take(1)
	if err != nil {
		return "", err
	}
	size := int(n[0])
	if r.remaining() < size {
		return "", ErrLengthOverrun
	}
	out := string(r.b[r.off : r.off+size])
	r.off += size
	return out, nil
}
