package mobi

import (
	"fmt"
	"math"
)

// RecordSize is the maximum size in bytes of a single text record.
const RecordSize = 4096

// Compressor defines the interface for text record compression.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Type() uint16
}

// NoCompression implements Compressor with no compression (type 1).
type NoCompression struct{}

// Compress returns a copy of the input data without modification.
func (n *NoCompression) Compress(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Type returns the MOBI compression type identifier for no compression.
func (n *NoCompression) Type() uint16 {
	return CompressionNone
}

// NewCompressor returns the text compressor for a PalmDOC compression kind.
// Only kinds this package can encode are accepted.
func NewCompressor(compression uint16) (Compressor, error) {
	switch compression {
	case 0, CompressionNone:
		return &NoCompression{}, nil
	case CompressionPalmDoc:
		return &PalmDocCompressor{}, nil
	default:
		return nil, &UnsupportedFeatureError{Feature: fmt.Sprintf("encoding compression type %d", compression)}
	}
}

// SplitTextRecords splits the HTML content into RecordSize-byte chunks and applies
// the given compressor to each chunk. If compressor is nil, NoCompression is used.
// Note: compressed output may exceed RecordSize depending on the compressor implementation.
func SplitTextRecords(html []byte, compressor Compressor) ([][]byte, error) {
	if len(html) == 0 {
		return nil, nil
	}

	if compressor == nil {
		compressor = &NoCompression{}
	}

	count := TextRecordCount(html)
	records := make([][]byte, 0, count)

	for offset := 0; offset < len(html); offset += RecordSize {
		end := min(offset+RecordSize, len(html))
		chunk := html[offset:end]
		compressed, err := compressor.Compress(chunk)
		if err != nil {
			return nil, err
		}
		records = append(records, compressed)
	}

	return records, nil
}

// TextLength returns the total byte length of the HTML content. Text that
// does not fit the PalmDOC u32 length field is a BuildOverflowError.
func TextLength(html []byte) (uint32, error) {
	if err := checkLimit("text", int64(len(html)), math.MaxUint32); err != nil {
		return 0, err
	}
	return uint32(len(html)), nil
}

// TextRecordCount returns the number of records needed to store the HTML content.
func TextRecordCount(html []byte) int {
	n := len(html)
	if n == 0 {
		return 0
	}
	return (n + RecordSize - 1) / RecordSize
}
