package database

import (
	"encoding/binary"
	"errors"
	"unicode/utf8"
)

// Set of errors returned by the decoders. Malformed input never panics.
var (
	ErrTruncated     = errors.New("truncated input")
	ErrTrailingBytes = errors.New("trailing bytes")
	ErrInvalidUTF8   = errors.New("invalid utf-8")
	ErrTooLong       = errors.New("field exceeds maximum length")
)

// reader walks a byte slice, failing with ErrTruncated instead of panicking
// when the input is shorter than a field requires.
type reader struct {
	b   []byte
	off int
}

func (r *reader) remaining() int {
	return len(r.b) - r.off
}

func (r *reader) u8() (uint8, error) {
	if r.remaining() < 1 {
		return 0, ErrTruncated
	}
	v := r.b[r.off]
	r.off++
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, ErrTruncated
	}
	v := binary.BigEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, ErrTruncated
	}
	v := binary.BigEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) fixed(dst []byte) error {
	if r.remaining() < len(dst) {
		return ErrTruncated
	}
	copy(dst, r.b[r.off:r.off+len(dst)])
	r.off += len(dst)
	return nil
}

// str reads a u8 length prefixed UTF-8 string of at most max bytes.
func (r *reader) str(max int) (string, error) {
	n, err := r.u8()
	if err != nil {
		return "", err
	}
	if int(n) > max {
		return "", ErrTooLong
	}
	if r.remaining() < int(n) {
		return "", ErrTruncated
	}
	b := r.b[r.off : r.off+int(n)]
	if !utf8.Valid(b) {
		return "", ErrInvalidUTF8
	}
	r.off += int(n)
	return string(b), nil
}

func (r *reader) done() error {
	if r.remaining() != 0 {
		return ErrTrailingBytes
	}
	return nil
}

// appendStr writes a u8 length prefixed string. Callers validate the length.
func appendStr(b []byte, s string) []byte {
	b = append(b, uint8(len(s)))
	return append(b, s...)
}
