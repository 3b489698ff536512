package mobi

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// FLISRecord generates a 36-byte FLIS (Fixed Layout Indicator Structure) record.
// All fields are fixed values as kindlegen writes them.
func FLISRecord() []byte {
	buf := []byte("FLIS")
	buf = binary.BigEndian.AppendUint32(buf, 0x00000008)
	buf = binary.BigEndian.AppendUint16(buf, 0x0041)
	buf = binary.BigEndian.AppendUint16(buf, 0x0000)
	buf = binary.BigEndian.AppendUint32(buf, 0x00000000)
	buf = binary.BigEndian.AppendUint32(buf, 0xFFFFFFFF)
	buf = binary.BigEndian.AppendUint16(buf, 0x0001)
	buf = binary.BigEndian.AppendUint16(buf, 0x0003)
	buf = binary.BigEndian.AppendUint32(buf, 0x00000003)
	buf = binary.BigEndian.AppendUint32(buf, 0x00000001)
	buf = binary.BigEndian.AppendUint32(buf, 0xFFFFFFFF)
	return buf
}

// FCISRecord generates a 44-byte FCIS (Fixed Content Indicator Structure) record.
// The textLength parameter is written at offset 20 to indicate the total uncompressed text length.
func FCISRecord(textLength uint32) ([]byte, error) {
	buf := &bytes.Buffer{}
	fields := []any{
		[4]byte{'F', 'C', 'I', 'S'},
		uint32(0x00000014),
		uint32(0x00000010),
		uint32(0x00000001),
		uint32(0x00000000),
		textLength,
		uint32(0x00000000),
		uint32(0x00000020),
		uint32(0x00000008),
		uint16(0x0001),
		uint16(0x0001),
		uint32(0x00000000),
	}
	for _, f := range fields {
		if err := binary.Write(buf, binary.BigEndian, f); err != nil {
			return nil, fmt.Errorf("failed to write FCIS record: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// eofMagic terminates the record list of a MOBI file.
const eofMagic = 0xE98E0D0A

// EOFRecord generates a 4-byte end-of-file record with the magic value 0xE98E0D0A.
func EOFRecord() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, eofMagic)
	return buf
}

// sentinelMagics start the non-image records that follow the image range.
var sentinelMagics = [][]byte{
	[]byte("FLIS"),
	[]byte("FCIS"),
	[]byte("SRCS"),
	[]byte("RESC"),
	[]byte("BOUN"),
	[]byte("FDST"),
	[]byte("DATP"),
	[]byte("CMET"),
}

// IsSentinelRecord reports whether rec is a structural record rather than
// image data.
func IsSentinelRecord(rec []byte) bool {
	if len(rec) == 4 && binary.BigEndian.Uint32(rec) == eofMagic {
		return true
	}
	for _, magic := range sentinelMagics {
		if bytes.HasPrefix(rec, magic) {
			return true
		}
	}
	return false
}

// ParseFCISTextLength returns the text length stored in an FCIS record.
func ParseFCISTextLength(rec []byte) (uint32, error) {
	if len(rec) < 24 || !bytes.HasPrefix(rec, []byte("FCIS")) {
		return 0, formatErrorf("FCIS record", "not an FCIS record of at least 24 bytes")
	}
	return binary.BigEndian.Uint32(rec[20:24]), nil
}
