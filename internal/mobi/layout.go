package mobi

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// absent marks a Layout position that has no record.
const absent = -1

// Layout names the record ranges of one MOBI6 file. Every field is an index
// into the single ordered record array; record 0 always holds the headers.
type Layout struct {
	TextStart  int
	TextCount  int
	IndexStart int
	IndexCount int
	ImageStart int
	ImageCount int
	FLIS       int
	FCIS       int
	EOF        int
	Total      int
	// ImagesFromHeader is set when the image range was taken from
	// consistent header pointers rather than found by scanning for
	// sentinel records. Every record in such a range is an image slot.
	ImagesFromHeader bool
}

// planLayout assigns record numbers for a new file: record 0, text, index,
// images, FLIS, FCIS and EOF.
func planLayout(textCount, indexCount, imageCount int) Layout {
	l := Layout{
		TextStart:  1,
		TextCount:  textCount,
		IndexStart: absent,
		ImageStart: absent,
	}
	next := 1 + textCount
	if indexCount > 0 {
		l.IndexStart = next
		l.IndexCount = indexCount
		next += indexCount
	}
	if imageCount > 0 {
		l.ImageStart = next
		l.ImageCount = imageCount
		next += imageCount
	}
	l.FLIS = next
	l.FCIS = next + 1
	l.EOF = next + 2
	l.Total = next + 3
	return l
}

// FirstNonBook is the first record after the text.
func (l Layout) FirstNonBook() int {
	return l.TextStart + l.TextCount
}

// LastContent is the last record before FLIS.
func (l Layout) LastContent() int {
	if l.FLIS == absent {
		return l.Total - 1
	}
	return l.FLIS - 1
}

// headerPointer converts a layout position to a MOBI header field value.
func headerPointer(index int) uint32 {
	if index == absent {
		return NotSet
	}
	return uint32(index)
}

// Validate checks that the ranges are ordered, disjoint and inside Total.
func (l Layout) Validate() error {
	type span struct {
		name  string
		start int
		count int
	}
	spans := []span{
		{"text", l.TextStart, l.TextCount},
		{"index", l.IndexStart, l.IndexCount},
		{"images", l.ImageStart, l.ImageCount},
		{"FLIS", l.FLIS, 1},
		{"FCIS", l.FCIS, 1},
		{"EOF", l.EOF, 1},
	}
	end := 1
	for _, s := range spans {
		if s.start == absent || s.count == 0 {
			continue
		}
		if s.start < end {
			return fmt.Errorf("record range %s at %d overlaps previous range ending at %d", s.name, s.start, end)
		}
		end = s.start + s.count
	}
	if end > l.Total {
		return fmt.Errorf("record ranges end at %d beyond %d records", end, l.Total)
	}
	return nil
}

// skippedMagics are structural records found inside the image range of
// third-party files. They keep their recindex slot but hold no image.
var skippedMagics = [][]byte{
	[]byte("HUFF"),
	[]byte("CDIC"),
	[]byte("INDX"),
}

func isSkippedRecord(rec []byte) bool {
	if len(rec) == 0 {
		return true
	}
	for _, magic := range skippedMagics {
		if bytes.HasPrefix(rec, magic) {
			return true
		}
	}
	return false
}

// readLayout derives the layout of an existing file from its headers. The
// image range runs from the first image record to the last content record
// when FLIS and FCIS follow it directly; otherwise sentinel magics bound it.
func readLayout(r0 *Record0, records [][]byte) (Layout, error) {
	total := len(records)
	l := Layout{
		TextStart:  1,
		TextCount:  int(r0.PalmDOC.TextRecordCount),
		IndexStart: absent,
		ImageStart: absent,
		FLIS:       absent,
		FCIS:       absent,
		EOF:        absent,
		Total:      total,
	}
	if l.TextStart+l.TextCount > total {
		return l, formatErrorf("PalmDOC header", "%d text records but only %d records in file", l.TextCount, total-1)
	}

	h := r0.MOBI
	if h.IndexRecord != NotSet && int64(h.IndexRecord) < int64(total) {
		l.IndexStart = int(h.IndexRecord)
		l.IndexCount = indexRecordCount(records, l.IndexStart)
	}
	if h.FLISRecord != NotSet && int64(h.FLISRecord) < int64(total) {
		l.FLIS = int(h.FLISRecord)
	}
	if h.FCISRecord != NotSet && int64(h.FCISRecord) < int64(total) {
		l.FCIS = int(h.FCISRecord)
	}
	if last := records[total-1]; len(last) == 4 && binary.BigEndian.Uint32(last) == eofMagic {
		l.EOF = total - 1
	}

	if h.FirstImageRecord != NotSet && int64(h.FirstImageRecord) < int64(total) {
		l.ImageStart = int(h.FirstImageRecord)
		last := int(h.LastContentRecord)
		lastValid := h.LastContentRecord != 0 && last >= l.ImageStart && last < total
		if lastValid && l.FLIS == last+1 && l.FCIS == last+2 && bytes.HasPrefix(records[l.FLIS], []byte("FLIS")) {
			l.ImageCount = last - l.ImageStart + 1
			l.ImagesFromHeader = true
		} else {
			end := total
			if lastValid {
				end = last + 1
			}
			for i := l.ImageStart; i < end; i++ {
				if IsSentinelRecord(records[i]) {
					break
				}
				l.ImageCount++
			}
		}
		if l.ImageCount == 0 {
			l.ImageStart = absent
		}
	}
	return l, nil
}

// indexRecordCount returns the primary, data and CNCX record count of the
// index starting at start, or 0 when start is not an INDX record.
func indexRecordCount(records [][]byte, start int) int {
	head := records[start]
	if len(head) < indxHeaderLength || string(head[0:4]) != "INDX" {
		return 0
	}
	n := 1 + int(binary.BigEndian.Uint32(head[24:28])) + int(binary.BigEndian.Uint32(head[52:56]))
	return min(n, len(records)-start)
}
