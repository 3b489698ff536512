package mobi

import (
	"encoding/binary"
	"fmt"
)

const (
	huffHeaderLength = 0x18
	cdicHeaderLength = 0x10

	// maxHuffDepth bounds nested phrase expansion.
	maxHuffDepth = 32
)

type huffCode struct {
	length   int
	terminal bool
	maxCode  uint64
}

type cdicPhrase struct {
	data     []byte
	expanded bool
	busy     bool
}

// HuffCDICDecompressor decodes Huffman/CDIC compressed text records. It is
// built from one HUFF record and its CDIC dictionary records. Expanded
// phrases are cached, so a decompressor must not be shared between
// goroutines.
type HuffCDICDecompressor struct {
	codes   [256]huffCode
	minCode [33]uint64
	maxCode [33]uint64
	phrases []cdicPhrase
}

// NewHuffCDICDecompressor loads the HUFF table in records[0] and the CDIC
// dictionaries in records[1:].
func NewHuffCDICDecompressor(records [][]byte) (*HuffCDICDecompressor, error) {
	if len(records) < 2 {
		return nil, formatErrorf("HUFF/CDIC", "need a HUFF record and at least one CDIC record, got %d records", len(records))
	}

	d := &HuffCDICDecompressor{}
	if err := d.loadHUFF(records[0]); err != nil {
		return nil, err
	}
	for i, rec := range records[1:] {
		if err := d.loadCDIC(rec); err != nil {
			return nil, fmt.Errorf("CDIC record %d: %w", i, err)
		}
	}
	return d, nil
}

func (d *HuffCDICDecompressor) loadHUFF(huff []byte) error {
	if len(huff) < huffHeaderLength || string(huff[0:4]) != "HUFF" {
		return formatErrorf("HUFF record", "missing HUFF identifier")
	}
	if n := binary.BigEndian.Uint32(huff[4:8]); n != huffHeaderLength {
		return formatErrorf("HUFF record", "header length %d, want %d", n, huffHeaderLength)
	}

	codeTable := int64(binary.BigEndian.Uint32(huff[8:12]))
	limitTable := int64(binary.BigEndian.Uint32(huff[12:16]))
	if codeTable+256*4 > int64(len(huff)) || limitTable+64*4 > int64(len(huff)) {
		return formatErrorf("HUFF record", "tables outside record of %d bytes", len(huff))
	}

	for i := range d.codes {
		v := binary.BigEndian.Uint32(huff[codeTable+int64(i)*4:])
		length := int(v & 0x1F)
		terminal := v&0x80 != 0
		if length == 0 || (length <= 8 && !terminal) {
			return formatErrorf("HUFF record", "invalid code entry %d: %#x", i, v)
		}
		d.codes[i] = huffCode{
			length:   length,
			terminal: terminal,
			maxCode:  ((uint64(v>>8) + 1) << (32 - length)) - 1,
		}
	}

	for length := 1; length <= 32; length++ {
		pair := huff[limitTable+int64(length-1)*8:]
		lo := uint64(binary.BigEndian.Uint32(pair[0:4]))
		hi := uint64(binary.BigEndian.Uint32(pair[4:8]))
		d.minCode[length] = lo << (32 - length)
		d.maxCode[length] = ((hi + 1) << (32 - length)) - 1
	}
	return nil
}

func (d *HuffCDICDecompressor) loadCDIC(cdic []byte) error {
	if len(cdic) < cdicHeaderLength || string(cdic[0:4]) != "CDIC" {
		return formatErrorf("CDIC record", "missing CDIC identifier")
	}
	if n := binary.BigEndian.Uint32(cdic[4:8]); n != cdicHeaderLength {
		return formatErrorf("CDIC record", "header length %d, want %d", n, cdicHeaderLength)
	}

	total := int64(binary.BigEndian.Uint32(cdic[8:12]))
	bits := binary.BigEndian.Uint32(cdic[12:16])
	if bits > 16 {
		return formatErrorf("CDIC record", "code bits %d too large", bits)
	}
	n := min(int64(1)<<bits, total-int64(len(d.phrases)))
	if n < 0 {
		return formatErrorf("CDIC record", "phrase count %d smaller than phrases already loaded", total)
	}
	if cdicHeaderLength+n*2 > int64(len(cdic)) {
		return formatErrorf("CDIC record", "%d phrase offsets outside record of %d bytes", n, len(cdic))
	}

	for i := int64(0); i < n; i++ {
		off := int64(binary.BigEndian.Uint16(cdic[cdicHeaderLength+i*2:]))
		pos := cdicHeaderLength + off
		if pos+2 > int64(len(cdic)) {
			return formatErrorf("CDIC record", "phrase %d offset %d out of bounds", i, off)
		}
		blen := binary.BigEndian.Uint16(cdic[pos:])
		size := int64(blen & 0x7FFF)
		if pos+2+size > int64(len(cdic)) {
			return formatErrorf("CDIC record", "phrase %d length %d out of bounds", i, size)
		}
		d.phrases = append(d.phrases, cdicPhrase{
			data:     cdic[pos+2 : pos+2+size],
			expanded: blen&0x8000 != 0,
		})
	}
	return nil
}

// Decompress decodes one Huffman/CDIC record.
func (d *HuffCDICDecompressor) Decompress(data []byte) ([]byte, error) {
	return d.unpack(data, 0)
}

func (d *HuffCDICDecompressor) unpack(data []byte, depth int) ([]byte, error) {
	bitsLeft := len(data) * 8
	padded := make([]byte, len(data)+8)
	copy(padded, data)

	var out []byte
	pos := 0
	x := binary.BigEndian.Uint64(padded[pos:])
	n := 32
	for {
		if n <= 0 {
			pos += 4
			if pos+8 > len(padded) {
				break
			}
			x = binary.BigEndian.Uint64(padded[pos:])
			n += 32
		}
		code := (x >> uint(n)) & 0xFFFFFFFF

		entry := d.codes[code>>24]
		length := entry.length
		maxCode := entry.maxCode
		if !entry.terminal {
			for length < 32 && code < d.minCode[length] {
				length++
			}
			maxCode = d.maxCode[length]
		}

		n -= length
		bitsLeft -= length
		if bitsLeft < 0 {
			break
		}

		index := (maxCode - code) >> (32 - uint(length))
		if index >= uint64(len(d.phrases)) {
			return nil, formatErrorf("HUFF/CDIC data", "phrase %d not in dictionary of %d", index, len(d.phrases))
		}

		phrase := &d.phrases[index]
		if !phrase.expanded {
			if phrase.busy || depth >= maxHuffDepth {
				return nil, &DecodeRecursionError{Depth: maxHuffDepth, Phrase: int(index)}
			}
			phrase.busy = true
			expanded, err := d.unpack(phrase.data, depth+1)
			phrase.busy = false
			if err != nil {
				return nil, err
			}
			phrase.data = expanded
			phrase.expanded = true
		}
		out = append(out, phrase.data...)
	}
	return out, nil
}
