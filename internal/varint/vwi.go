// Package varint implements the two variable-width integer flavors used by
// MOBI files.
//
// Both flavors store 7 bits per byte, most significant chunk first, and mark
// the end of a value with bit 0x80:
//
//   - forward values (index entries) carry the stop bit on their last byte and
//     are read from the front of a buffer;
//   - backward values (trailing record entries) carry the stop bit on their
//     first byte and are read from the end of a buffer toward its start.
package varint

import "errors"

// MaxBytes is the longest encoding either flavor produces or accepts.
const MaxBytes = 4

// MaxValue is the largest value that fits in MaxBytes 7-bit chunks.
const MaxValue = 1<<(7*MaxBytes) - 1

var (
	// ErrOverflow is returned when a value does not fit in MaxBytes bytes.
	ErrOverflow = errors.New("varint: value overflow")
	// ErrTruncated is returned when the buffer ends before a stop bit.
	ErrTruncated = errors.New("varint: truncated data")
)

// chunks splits value into 7-bit groups, most significant first.
func chunks(value uint32) ([]byte, error) {
	if value > MaxValue {
		return nil, ErrOverflow
	}
	n := Size(value)
	out := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = byte(value & 0x7F)
		value >>= 7
	}
	return out, nil
}

// EncodeForward encodes value with the stop bit on the last byte.
// Example: 0x11111 -> []byte{0x04, 0x22, 0x91}
func EncodeForward(value uint32) ([]byte, error) {
	out, err := chunks(value)
	if err != nil {
		return nil, err
	}
	out[len(out)-1] |= 0x80
	return out, nil
}

// EncodeBackward encodes value with the stop bit on the first byte.
// Example: 0x11111 -> []byte{0x84, 0x22, 0x11}
func EncodeBackward(value uint32) ([]byte, error) {
	out, err := chunks(value)
	if err != nil {
		return nil, err
	}
	out[0] |= 0x80
	return out, nil
}

// DecodeForward reads a forward value from the start of data.
// It returns the value and the number of bytes consumed.
func DecodeForward(data []byte) (uint32, int, error) {
	var value uint32
	for i, b := range data {
		if i == MaxBytes {
			return 0, 0, ErrOverflow
		}
		value = value<<7 | uint32(b&0x7F)
		if b&0x80 != 0 {
			return value, i + 1, nil
		}
	}
	if len(data) >= MaxBytes {
		return 0, 0, ErrOverflow
	}
	return 0, 0, ErrTruncated
}

// DecodeBackward reads a backward value from the end of data.
// The last byte holds the low-order chunk; reading stops at the byte that
// carries the stop bit. It returns the value and the number of bytes consumed.
func DecodeBackward(data []byte) (uint32, int, error) {
	var value uint32
	for n := 1; n <= len(data); n++ {
		if n > MaxBytes {
			return 0, 0, ErrOverflow
		}
		b := data[len(data)-n]
		value |= uint32(b&0x7F) << (7 * (n - 1))
		if b&0x80 != 0 {
			return value, n, nil
		}
	}
	if len(data) >= MaxBytes {
		return 0, 0, ErrOverflow
	}
	return 0, 0, ErrTruncated
}

// Size returns the number of bytes needed to encode value.
func Size(value uint32) int {
	size := 1
	for value > 0x7F {
		value >>= 7
		size++
	}
	return size
}
