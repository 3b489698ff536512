package mobi

import (
	"fmt"

	"github.com/yuanying/mobicodec/internal/varint"
)

// Decompressor turns one raw text record, trailing entries already removed,
// into plain text bytes.
type Decompressor interface {
	Decompress(data []byte) ([]byte, error)
}

// NewDecompressor returns the decompressor for a PalmDOC compression kind.
// huffRecords holds the HUFF record followed by its CDIC records and is only
// used for CompressionHuffCDIC.
func NewDecompressor(compression uint16, huffRecords [][]byte) (Decompressor, error) {
	switch compression {
	case CompressionNone:
		return NoneDecompressor{}, nil
	case CompressionPalmDoc:
		return PalmDocDecompressor{}, nil
	case CompressionHuffCDIC:
		return NewHuffCDICDecompressor(huffRecords)
	default:
		return nil, &UnsupportedFeatureError{Feature: fmt.Sprintf("compression type %d", compression)}
	}
}

// NoneDecompressor returns records unchanged.
type NoneDecompressor struct{}

// Decompress returns a copy of data.
func (NoneDecompressor) Decompress(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// PalmDocDecompressor decodes PalmDoc (LZ77) records.
type PalmDocDecompressor struct{}

// Decompress decodes one PalmDoc record.
func (PalmDocDecompressor) Decompress(data []byte) ([]byte, error) {
	return PalmDocDecompress(data)
}

// StripTrailingEntries removes the extra bytes some writers append to text
// records. Each set flag bit above bit 0 adds one entry whose size, stored as a
// backward variable-width integer at the very end, includes the size bytes
// themselves. Bit 0 adds a multibyte overlap entry of (last&3)+1 bytes, which
// always sits closest to the text.
func StripTrailingEntries(record []byte, flags uint16) ([]byte, error) {
	data := record
	for bit := 15; bit >= 1; bit-- {
		if flags&(1<<bit) == 0 {
			continue
		}
		size, _, err := varint.DecodeBackward(data)
		if err != nil {
			return nil, &FormatError{Part: "text record", Msg: fmt.Sprintf("trailing entry %d", bit), Err: err}
		}
		if int(size) > len(data) {
			return nil, formatErrorf("text record", "trailing entry %d size %d exceeds remaining %d bytes", bit, size, len(data))
		}
		data = data[:len(data)-int(size)]
	}

	if flags&1 != 0 {
		if len(data) == 0 {
			return nil, formatErrorf("text record", "multibyte entry in empty record")
		}
		size := int(data[len(data)-1]&3) + 1
		if size > len(data) {
			return nil, formatErrorf("text record", "multibyte entry size %d exceeds remaining %d bytes", size, len(data))
		}
		data = data[:len(data)-size]
	}

	return data, nil
}

// PalmDocCompressor implements the Compressor interface using PalmDoc (LZ77-based) compression.
type PalmDocCompressor struct{}

// Compress applies PalmDoc compression to the input data.
func (p *PalmDocCompressor) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}

	out := make([]byte, 0, len(data))
	i := 0

	for i < len(data) {
		// Try back reference (need at least 3 bytes match, look back up to 2047 bytes)
		if bestLen, bestDist := findMatch(data, i); bestLen >= 3 {
			// Encode as 2-byte back reference: 0x80-0xBF range
			// High byte: 0x80 | (distance >> 5) (top bits of distance)
			// Low byte: ((distance & 0x1F) << 3) | (length - 3)
			high := byte(0x80 | (bestDist >> 5))
			low := byte(((bestDist & 0x1F) << 3) | (bestLen - 3))
			out = append(out, high, low)
			i += bestLen
			continue
		}

		// Try space + printable char encoding
		if data[i] == 0x20 && i+1 < len(data) && data[i+1] >= 0x40 && data[i+1] <= 0x7F {
			out = append(out, data[i+1]^0x80)
			i += 2
			continue
		}

		// Literal byte handling
		b := data[i]
		if b == 0x00 || (b >= 0x09 && b <= 0x7F) {
			// These bytes can be output as-is
			out = append(out, b)
			i++
		} else {
			// Bytes 0x01-0x08, 0x80-0xFF need to be wrapped in an uncompressed block
			// Collect consecutive bytes that need wrapping
			start := i
			for i < len(data) && (i-start) < 8 {
				b := data[i]
				if b == 0x00 || (b >= 0x09 && b <= 0x7F) {
					break
				}
				// Check for space+char opportunity
				if b == 0x20 && i+1 < len(data) && data[i+1] >= 0x40 && data[i+1] <= 0x7F {
					break
				}
				// Check for back reference opportunity
				if matchLen, _ := findMatch(data, i); matchLen >= 3 {
					break
				}
				i++
			}
			count := i - start
			out = append(out, byte(count))
			out = append(out, data[start:start+count]...)
		}
	}

	return out, nil
}

// Type returns the MOBI compression type identifier for PalmDoc compression.
func (p *PalmDocCompressor) Type() uint16 {
	return CompressionPalmDoc
}

// findMatch searches for the longest match in the sliding window.
// Returns (length, distance) where length >= 3 and distance <= 2047, or (0, 0) if no match.
func findMatch(data []byte, pos int) (int, int) {
	if pos+3 > len(data) {
		return 0, 0
	}

	maxDist := 2047
	if pos < maxDist {
		maxDist = pos
	}
	if maxDist == 0 {
		return 0, 0
	}

	bestLen := 0
	bestDist := 0
	maxLen := min(10, len(data)-pos) // PalmDoc max match length

	for dist := 1; dist <= maxDist; dist++ {
		start := pos - dist
		matchLen := 0
		for matchLen < maxLen && data[start+matchLen] == data[pos+matchLen] {
			matchLen++
		}
		if matchLen >= 3 && matchLen > bestLen {
			bestLen = matchLen
			bestDist = dist
			if bestLen == maxLen {
				break
			}
		}
	}

	return bestLen, bestDist
}

// PalmDocDecompress decompresses PalmDoc-compressed data.
func PalmDocDecompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}

	out := make([]byte, 0, len(data)*2)
	i := 0

	for i < len(data) {
		b := data[i]
		i++

		switch {
		case b == 0x00:
			// Literal NULL byte
			out = append(out, 0x00)

		case b >= 0x01 && b <= 0x08:
			// Uncompressed block: next N bytes are literal
			count := int(b)
			if i+count > len(data) {
				return nil, formatErrorf("PalmDoc record", "uncompressed block overflows at offset %d", i-1)
			}
			out = append(out, data[i:i+count]...)
			i += count

		case b >= 0x09 && b <= 0x7F:
			// Literal byte
			out = append(out, b)

		case b >= 0x80 && b <= 0xBF:
			// Back reference (2 bytes)
			if i >= len(data) {
				return nil, formatErrorf("PalmDoc record", "back reference missing second byte at offset %d", i-1)
			}
			low := data[i]
			i++

			distance := (int(b&0x3F) << 5) | int(low>>3)
			length := int(low&0x07) + 3

			if distance == 0 || distance > len(out) {
				return nil, formatErrorf("PalmDoc record", "invalid back reference distance %d at output offset %d", distance, len(out))
			}

			// Byte by byte: the source may overlap the bytes being written.
			start := len(out) - distance
			for j := range length {
				out = append(out, out[start+j])
			}

		case b >= 0xC0:
			// Space + literal char
			out = append(out, 0x20, b^0x80)
		}
	}

	return out, nil
}
