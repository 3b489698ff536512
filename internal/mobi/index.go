package mobi

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/yuanying/mobicodec/internal/varint"
)

const (
	indxHeaderLength = 192

	// maxIndexRecordSize is the largest INDX data record readers accept.
	maxIndexRecordSize = 0x10000
	// maxLabelRecordSize leaves the headroom kindlegen keeps in CNCX records.
	maxLabelRecordSize = 0x10000 - 1024

	// flatControlByte marks tags 1-4 as present with one value each.
	flatControlByte = 0x0F
)

// tagxTag is one row of a TAGX table.
type tagxTag struct {
	Tag     byte
	Values  byte
	Mask    byte
	EndFlag byte
}

// flatTagTable describes a flat chapter index: position, length, label
// offset and depth, one value each, then the end-of-control-byte marker.
var flatTagTable = []tagxTag{
	{Tag: 1, Values: 1, Mask: 0x01},
	{Tag: 2, Values: 1, Mask: 0x02},
	{Tag: 3, Values: 1, Mask: 0x04},
	{Tag: 4, Values: 1, Mask: 0x08},
	{EndFlag: 1},
}

// Index entry tags of the flat chapter table.
const (
	TagPosition    byte = 1
	TagLength      byte = 2
	TagLabelOffset byte = 3
	TagDepth       byte = 4
)

// NavPoint is one chapter start in the text.
type NavPoint struct {
	Label  string
	Offset uint32
}

// NavEntry is one decoded index entry.
type NavEntry struct {
	ID     string
	Label  string
	Offset uint32
	Length uint32
	Depth  uint32
	Tags   map[byte][]uint32
}

// NavigationIndex holds the three records of a flat chapter index.
type NavigationIndex struct {
	Primary []byte
	Data    []byte
	Labels  []byte
	Entries []NavEntry
}

// Records returns the index records in file order.
func (n *NavigationIndex) Records() [][]byte {
	return [][]byte{n.Primary, n.Data, n.Labels}
}

// BuildNavigationIndex builds the primary INDX, the data INDX and the CNCX
// label record for points. Each chapter runs to the next one; the last runs
// to eof.
func BuildNavigationIndex(points []NavPoint, eof uint32) (*NavigationIndex, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("navigation index needs at least one entry")
	}

	labels, labelOffsets, err := buildLabelRecord(points)
	if err != nil {
		return nil, err
	}

	entries := make([]NavEntry, len(points))
	for i, p := range points {
		next := eof
		if i+1 < len(points) {
			next = points[i+1].Offset
		}
		if next < p.Offset {
			return nil, fmt.Errorf("chapter %d (%q) starts at %d after the next boundary %d", i, p.Label, p.Offset, next)
		}
		entries[i] = NavEntry{
			ID:     indexEntryID(i),
			Label:  p.Label,
			Offset: p.Offset,
			Length: next - p.Offset,
			Depth:  0,
		}
	}

	data, err := buildIndexDataRecord(entries, labelOffsets)
	if err != nil {
		return nil, err
	}

	return &NavigationIndex{
		Primary: buildIndexPrimaryRecord(entries),
		Data:    data,
		Labels:  labels,
		Entries: entries,
	}, nil
}

// buildLabelRecord writes each label as a forward-VWI length plus UTF-8 bytes.
func buildLabelRecord(points []NavPoint) ([]byte, []uint32, error) {
	buf := &bytes.Buffer{}
	offsets := make([]uint32, len(points))
	for i, p := range points {
		offsets[i] = uint32(buf.Len())
		size, err := varint.EncodeForward(uint32(len(p.Label)))
		if err != nil {
			return nil, nil, &BuildOverflowError{Region: "chapter label", Size: int64(len(p.Label)), Limit: varint.MaxValue}
		}
		buf.Write(size)
		buf.WriteString(p.Label)
	}
	if err := checkLimit("CNCX label record", int64(buf.Len()), maxLabelRecordSize); err != nil {
		return nil, nil, err
	}
	return alignBlock(buf.Bytes()), offsets, nil
}

func buildIndexDataRecord(entries []NavEntry, labelOffsets []uint32) ([]byte, error) {
	body := &bytes.Buffer{}
	positions := make([]int, len(entries))
	for i, e := range entries {
		positions[i] = body.Len()
		body.Write(encodeIndexID(e.ID))
		body.WriteByte(flatControlByte)
		for _, v := range []uint32{e.Offset, e.Length, labelOffsets[i], e.Depth} {
			enc, err := varint.EncodeForward(v)
			if err != nil {
				return nil, &BuildOverflowError{Region: "index entry value", Size: int64(v), Limit: varint.MaxValue}
			}
			body.Write(enc)
		}
	}
	indexBlock := alignBlock(body.Bytes())

	idxt := []byte("IDXT")
	for _, pos := range positions {
		offset := indxHeaderLength + pos
		if err := checkLimit("INDX entry offset", int64(offset), 0xFFFF); err != nil {
			return nil, err
		}
		idxt = binary.BigEndian.AppendUint16(idxt, uint16(offset))
	}
	idxtBlock := alignBlock(idxt)

	header := make([]byte, indxHeaderLength)
	copy(header[0:4], "INDX")
	binary.BigEndian.PutUint32(header[4:8], indxHeaderLength)
	binary.BigEndian.PutUint32(header[12:16], 1)
	binary.BigEndian.PutUint32(header[20:24], uint32(indxHeaderLength+len(indexBlock)))
	binary.BigEndian.PutUint32(header[24:28], uint32(len(entries)))
	copy(header[28:36], bytes.Repeat([]byte{0xFF}, 8))

	out := make([]byte, 0, len(header)+len(indexBlock)+len(idxtBlock))
	out = append(out, header...)
	out = append(out, indexBlock...)
	out = append(out, idxtBlock...)
	if err := checkLimit("INDX data record", int64(len(out)), maxIndexRecordSize); err != nil {
		return nil, err
	}
	return out, nil
}

func buildIndexPrimaryRecord(entries []NavEntry) []byte {
	tagx := tagxBytes(flatTagTable, 1)

	body := append([]byte(nil), tagx...)
	body = append(body, encodeIndexID(entries[len(entries)-1].ID)...)
	body = binary.BigEndian.AppendUint16(body, uint16(len(entries)))
	for (indxHeaderLength+len(body))%4 != 0 {
		body = append(body, 0)
	}
	idxtOffset := indxHeaderLength + len(body)
	body = append(body, "IDXT"...)
	body = binary.BigEndian.AppendUint16(body, uint16(indxHeaderLength+len(tagx)))
	body = append(body, 0)

	header := make([]byte, indxHeaderLength)
	copy(header[0:4], "INDX")
	binary.BigEndian.PutUint32(header[4:8], indxHeaderLength)
	binary.BigEndian.PutUint32(header[20:24], uint32(idxtOffset))
	binary.BigEndian.PutUint32(header[24:28], 1) // data records
	binary.BigEndian.PutUint32(header[28:32], EncodingUTF8)
	binary.BigEndian.PutUint32(header[32:36], NotSet)
	binary.BigEndian.PutUint32(header[36:40], uint32(len(entries)))
	binary.BigEndian.PutUint32(header[52:56], 1) // CNCX records
	binary.BigEndian.PutUint32(header[180:184], indxHeaderLength)

	return alignBlock(append(header, body...))
}

// tagxBytes encodes a TAGX block: identifier, block length, control byte
// count and four bytes per tag.
func tagxBytes(tags []tagxTag, controlBytes uint32) []byte {
	buf := []byte("TAGX")
	buf = binary.BigEndian.AppendUint32(buf, uint32(12+4*len(tags)))
	buf = binary.BigEndian.AppendUint32(buf, controlBytes)
	for _, t := range tags {
		buf = append(buf, t.Tag, t.Values, t.Mask, t.EndFlag)
	}
	return buf
}

// indexEntryID formats n as upper-case hex with an even number of digits.
func indexEntryID(n int) string {
	id := fmt.Sprintf("%X", n)
	if len(id)%2 != 0 {
		id = "0" + id
	}
	return id
}

func encodeIndexID(id string) []byte {
	return append([]byte{byte(len(id))}, id...)
}

// alignBlock pads data with zeros to a multiple of 4 bytes.
func alignBlock(data []byte) []byte {
	if pad := (4 - len(data)%4) % 4; pad > 0 {
		data = append(data, make([]byte, pad)...)
	}
	return data
}

// ParseNavigationIndex decodes the index whose primary INDX record is
// records[primary]. Data records and CNCX label records follow it.
func ParseNavigationIndex(records [][]byte, primary int) ([]NavEntry, error) {
	if primary < 0 || primary >= len(records) {
		return nil, formatErrorf("INDX", "primary record %d out of range", primary)
	}
	head := records[primary]
	if len(head) < indxHeaderLength || string(head[0:4]) != "INDX" {
		return nil, formatErrorf("INDX", "record %d is not an INDX record", primary)
	}
	headerLen := int(binary.BigEndian.Uint32(head[4:8]))
	dataCount := int(binary.BigEndian.Uint32(head[24:28]))
	cncxCount := int(binary.BigEndian.Uint32(head[52:56]))
	if primary+1+dataCount+cncxCount > len(records) {
		return nil, formatErrorf("INDX", "%d data and %d CNCX records exceed record table", dataCount, cncxCount)
	}

	tags, controlBytes, err := parseTAGX(head, headerLen)
	if err != nil {
		return nil, err
	}
	labels := records[primary+1+dataCount : primary+1+dataCount+cncxCount]

	var entries []NavEntry
	for r := primary + 1; r <= primary+dataCount; r++ {
		raw, err := parseIndexDataRecord(records[r], tags, controlBytes)
		if err != nil {
			return nil, fmt.Errorf("INDX data record %d: %w", r, err)
		}
		for _, e := range raw {
			e.Offset = firstTagValue(e.Tags, TagPosition)
			e.Length = firstTagValue(e.Tags, TagLength)
			e.Depth = firstTagValue(e.Tags, TagDepth)
			if v, ok := e.Tags[TagLabelOffset]; ok && len(v) > 0 {
				label, err := readLabel(labels, v[0])
				if err != nil {
					return nil, err
				}
				e.Label = label
			}
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func firstTagValue(tags map[byte][]uint32, tag byte) uint32 {
	if v := tags[tag]; len(v) > 0 {
		return v[0]
	}
	return 0
}

func parseTAGX(head []byte, headerLen int) ([]tagxTag, int, error) {
	if headerLen+12 > len(head) || string(head[headerLen:headerLen+4]) != "TAGX" {
		return nil, 0, formatErrorf("INDX", "TAGX not found at offset %d", headerLen)
	}
	length := int(binary.BigEndian.Uint32(head[headerLen+4:]))
	controlBytes := int(binary.BigEndian.Uint32(head[headerLen+8:]))
	if length < 12 || headerLen+length > len(head) {
		return nil, 0, formatErrorf("INDX", "TAGX length %d out of bounds", length)
	}
	var tags []tagxTag
	for pos := headerLen + 12; pos+4 <= headerLen+length; pos += 4 {
		tags = append(tags, tagxTag{Tag: head[pos], Values: head[pos+1], Mask: head[pos+2], EndFlag: head[pos+3]})
	}
	return tags, controlBytes, nil
}

func parseIndexDataRecord(rec []byte, tags []tagxTag, controlBytes int) ([]NavEntry, error) {
	if len(rec) < indxHeaderLength || string(rec[0:4]) != "INDX" {
		return nil, formatErrorf("INDX", "data record missing INDX identifier")
	}
	idxtOffset := int(binary.BigEndian.Uint32(rec[20:24]))
	count := int(binary.BigEndian.Uint32(rec[24:28]))
	if idxtOffset+4+2*count > len(rec) || string(rec[idxtOffset:idxtOffset+4]) != "IDXT" {
		return nil, formatErrorf("INDX", "IDXT not found at offset %d", idxtOffset)
	}

	positions := make([]int, count+1)
	for i := 0; i < count; i++ {
		positions[i] = int(binary.BigEndian.Uint16(rec[idxtOffset+4+2*i:]))
	}
	positions[count] = idxtOffset

	entries := make([]NavEntry, 0, count)
	for i := 0; i < count; i++ {
		start, end := positions[i], positions[i+1]
		if start >= end || end > len(rec) {
			return nil, formatErrorf("INDX", "entry %d spans %d..%d", i, start, end)
		}
		entry, err := parseIndexEntry(rec[start:end], tags, controlBytes)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

type tagHeader struct {
	tag        byte
	valueCount int
	valueBytes int
	perEntry   int
}

// parseIndexEntry decodes an identifier followed by control bytes and the
// variable-width tag values they announce.
func parseIndexEntry(data []byte, tags []tagxTag, controlBytes int) (NavEntry, error) {
	idLen := int(data[0])
	if 1+idLen+controlBytes > len(data) {
		return NavEntry{}, formatErrorf("INDX", "entry identifier of %d bytes truncated", idLen)
	}
	entry := NavEntry{ID: string(data[1 : 1+idLen]), Tags: map[byte][]uint32{}}
	control := data[1+idLen : 1+idLen+controlBytes]
	rest := data[1+idLen+controlBytes:]

	var headers []tagHeader
	ci := 0
	for _, t := range tags {
		if t.EndFlag == 1 {
			ci++
			continue
		}
		if ci >= len(control) {
			break
		}
		value := control[ci] & t.Mask
		if value == 0 {
			continue
		}
		h := tagHeader{tag: t.Tag, perEntry: int(t.Values)}
		switch {
		case value == t.Mask && bits.OnesCount8(t.Mask) > 1:
			n, consumed, err := varint.DecodeForward(rest)
			if err != nil {
				return NavEntry{}, &FormatError{Part: "INDX", Msg: "tag value size", Err: err}
			}
			rest = rest[consumed:]
			h.valueBytes = int(n)
		case value == t.Mask:
			h.valueCount = 1
		default:
			mask := t.Mask
			for mask&1 == 0 {
				mask >>= 1
				value >>= 1
			}
			h.valueCount = int(value)
		}
		headers = append(headers, h)
	}

	for _, h := range headers {
		var values []uint32
		if h.valueBytes > 0 {
			consumedTotal := 0
			for consumedTotal < h.valueBytes {
				v, consumed, err := varint.DecodeForward(rest)
				if err != nil {
					return NavEntry{}, &FormatError{Part: "INDX", Msg: fmt.Sprintf("tag %d value", h.tag), Err: err}
				}
				values = append(values, v)
				rest = rest[consumed:]
				consumedTotal += consumed
			}
		} else {
			for i := 0; i < h.valueCount*h.perEntry; i++ {
				v, consumed, err := varint.DecodeForward(rest)
				if err != nil {
					return NavEntry{}, &FormatError{Part: "INDX", Msg: fmt.Sprintf("tag %d value", h.tag), Err: err}
				}
				values = append(values, v)
				rest = rest[consumed:]
			}
		}
		entry.Tags[h.tag] = values
	}
	return entry, nil
}

// readLabel resolves a CNCX offset: the high bits select the record, the low
// 16 bits the position inside it.
func readLabel(records [][]byte, offset uint32) (string, error) {
	rec := int(offset / 0x10000)
	pos := int(offset % 0x10000)
	if rec >= len(records) || pos >= len(records[rec]) {
		return "", formatErrorf("CNCX", "label offset %#x out of range", offset)
	}
	data := records[rec][pos:]
	size, consumed, err := varint.DecodeForward(data)
	if err != nil {
		return "", &FormatError{Part: "CNCX", Msg: "label length", Err: err}
	}
	if consumed+int(size) > len(data) {
		return "", formatErrorf("CNCX", "label at %#x overruns record", offset)
	}
	return string(data[consumed : consumed+int(size)]), nil
}
