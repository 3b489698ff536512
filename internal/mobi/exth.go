package mobi

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/yuanying/mobicodec/internal/book"
)

var isbnPattern = regexp.MustCompile(`^(?:\d{9}[\dXx]|\d{13})$`)

// EXTH record types used by this package.
const (
	EXTHAuthor          uint32 = 100
	EXTHPublisher       uint32 = 101
	EXTHDescription     uint32 = 103
	EXTHISBN            uint32 = 104
	EXTHSubject         uint32 = 105
	EXTHPublishDate     uint32 = 106
	EXTHContributor     uint32 = 108
	EXTHRights          uint32 = 109
	EXTHSource          uint32 = 112
	EXTHASIN            uint32 = 113
	EXTHKF8Boundary     uint32 = 121
	EXTHCoverOffset     uint32 = 201
	EXTHThumbOffset     uint32 = 202
	EXTHHasFakeCover    uint32 = 203
	EXTHCreatorSoftware uint32 = 204
	EXTHCDEType         uint32 = 501
	EXTHUpdatedTitle    uint32 = 503
	EXTHCDEContentKey   uint32 = 504
	EXTHLanguage        uint32 = 524
)

// exthPreambleSize covers the identifier, header length and record count.
const exthPreambleSize = 12

// EXTHRecord represents a single EXTH metadata record.
type EXTHRecord struct {
	Type uint32
	Data []byte
}

// EXTHHeader is an ordered multimap of metadata records. Duplicate types are
// kept in file order.
type EXTHHeader struct {
	Records []EXTHRecord
}

// NewEXTHHeader creates an empty EXTHHeader.
func NewEXTHHeader() *EXTHHeader {
	return &EXTHHeader{}
}

// AddStringRecord appends a UTF-8 string metadata record.
func (h *EXTHHeader) AddStringRecord(recordType uint32, value string) {
	h.Records = append(h.Records, EXTHRecord{
		Type: recordType,
		Data: []byte(value),
	})
}

// AddUint32Record appends a 4-byte unsigned integer metadata record.
func (h *EXTHHeader) AddUint32Record(recordType uint32, value uint32) {
	h.Records = append(h.Records, makeUint32Record(recordType, value))
}

// Get returns the data of the first record of the given type.
func (h *EXTHHeader) Get(recordType uint32) ([]byte, bool) {
	if h == nil {
		return nil, false
	}
	for _, rec := range h.Records {
		if rec.Type == recordType {
			return rec.Data, true
		}
	}
	return nil, false
}

// GetAll returns the data of every record of the given type, in file order.
func (h *EXTHHeader) GetAll(recordType uint32) [][]byte {
	if h == nil {
		return nil
	}
	var out [][]byte
	for _, rec := range h.Records {
		if rec.Type == recordType {
			out = append(out, rec.Data)
		}
	}
	return out
}

// Uint32 returns the first record of the given type as a big-endian integer.
func (h *EXTHHeader) Uint32(recordType uint32) (uint32, bool) {
	data, ok := h.Get(recordType)
	if !ok || len(data) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(data), true
}

// String returns the first record of the given type as a string.
func (h *EXTHHeader) String(recordType uint32) string {
	data, _ := h.Get(recordType)
	return string(data)
}

// Strings returns every record of the given type as strings.
func (h *EXTHHeader) Strings(recordType uint32) []string {
	all := h.GetAll(recordType)
	out := make([]string, 0, len(all))
	for _, data := range all {
		out = append(out, string(data))
	}
	return out
}

// Has reports whether a record of the given type exists.
func (h *EXTHHeader) Has(recordType uint32) bool {
	_, ok := h.Get(recordType)
	return ok
}

// ParseEXTHHeader decodes an EXTH block starting at data[0].
func ParseEXTHHeader(data []byte) (*EXTHHeader, error) {
	if len(data) < exthPreambleSize {
		return nil, formatErrorf("EXTH header", "only %d bytes available", len(data))
	}
	if string(data[0:4]) != "EXTH" {
		return nil, formatErrorf("EXTH header", "missing EXTH identifier, found %q", data[0:4])
	}
	count := binary.BigEndian.Uint32(data[8:12])

	h := &EXTHHeader{}
	pos := exthPreambleSize
	for i := uint32(0); i < count; i++ {
		if pos+8 > len(data) {
			return nil, formatErrorf("EXTH header", "record %d of %d truncated", i, count)
		}
		recType := binary.BigEndian.Uint32(data[pos : pos+4])
		recLen := int(binary.BigEndian.Uint32(data[pos+4 : pos+8]))
		if recLen < 8 || pos+recLen > len(data) {
			return nil, formatErrorf("EXTH header", "record %d (type %d) length %d out of bounds", i, recType, recLen)
		}
		h.Records = append(h.Records, EXTHRecord{
			Type: recType,
			Data: data[pos+8 : pos+recLen],
		})
		pos += recLen
	}
	return h, nil
}

// Bytes serializes the EXTH header to its binary representation.
// Format: "EXTH"(4) + headerLength(4) + recordCount(4) + records + padding
func (h *EXTHHeader) Bytes() ([]byte, error) {
	totalSize := h.Size()
	if err := checkLimit("EXTH header", int64(totalSize), math.MaxUint32); err != nil {
		return nil, err
	}

	buf := bytes.NewBuffer(make([]byte, 0, totalSize))

	// Write identifier
	if _, err := buf.WriteString("EXTH"); err != nil {
		return nil, fmt.Errorf("failed to write EXTH identifier: %w", err)
	}

	// Write header length (includes padding)
	if err := binary.Write(buf, binary.BigEndian, uint32(totalSize)); err != nil {
		return nil, fmt.Errorf("failed to write EXTH header length: %w", err)
	}

	// Write record count
	if err := binary.Write(buf, binary.BigEndian, uint32(len(h.Records))); err != nil {
		return nil, fmt.Errorf("failed to write EXTH record count: %w", err)
	}

	// Write records
	for _, rec := range h.Records {
		if err := binary.Write(buf, binary.BigEndian, rec.Type); err != nil {
			return nil, fmt.Errorf("failed to write EXTH record type: %w", err)
		}
		recLen := uint32(8 + len(rec.Data))
		if err := binary.Write(buf, binary.BigEndian, recLen); err != nil {
			return nil, fmt.Errorf("failed to write EXTH record length: %w", err)
		}
		if _, err := buf.Write(rec.Data); err != nil {
			return nil, fmt.Errorf("failed to write EXTH record data: %w", err)
		}
	}

	// Write padding
	padding := totalSize - (exthPreambleSize + h.recordsDataSize())
	for i := 0; i < padding; i++ {
		if err := buf.WriteByte(0x00); err != nil {
			return nil, fmt.Errorf("failed to write EXTH padding: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// Size returns the total serialized size in bytes, including padding.
func (h *EXTHHeader) Size() int {
	unpaddedSize := exthPreambleSize + h.recordsDataSize()
	padding := (4 - (unpaddedSize % 4)) % 4
	return unpaddedSize + padding
}

// recordsDataSize returns the total byte size of all records (Type + Length + Data).
func (h *EXTHHeader) recordsDataSize() int {
	size := 0
	for _, rec := range h.Records {
		size += 8 + len(rec.Data)
	}
	return size
}

// EXTHFromDocument creates an EXTHHeader populated from document metadata.
// Empty fields are skipped except title and language, which are always
// written so an empty value is not replaced by the full name or locale on
// read. Every subject gets its own record.
func EXTHFromDocument(doc *book.Document) *EXTHHeader {
	h := NewEXTHHeader()

	if doc.Author != "" {
		h.AddStringRecord(EXTHAuthor, doc.Author)
	}
	if doc.Publisher != "" {
		h.AddStringRecord(EXTHPublisher, doc.Publisher)
	}
	if doc.Description != "" {
		h.AddStringRecord(EXTHDescription, doc.Description)
	}
	if doc.HasISBN() {
		h.AddStringRecord(EXTHISBN, doc.ISBN)
	}
	for _, subject := range doc.Subjects {
		h.AddStringRecord(EXTHSubject, subject)
	}
	if doc.PublishDate != "" {
		h.AddStringRecord(EXTHPublishDate, doc.PublishDate)
	}
	if doc.Rights != "" {
		h.AddStringRecord(EXTHRights, doc.Rights)
	}
	h.AddStringRecord(EXTHUpdatedTitle, doc.Title)
	h.AddStringRecord(EXTHLanguage, doc.Language)

	return h
}

// ValidISBN reports whether isbn looks like an ISBN-10 or ISBN-13 once
// hyphens and spaces are removed.
func ValidISBN(isbn string) bool {
	stripped := strings.NewReplacer("-", "", " ", "").Replace(isbn)
	return isbnPattern.MatchString(stripped)
}

// makeUint32Record creates an EXTHRecord with a 4-byte big-endian uint32 value.
func makeUint32Record(recordType, value uint32) EXTHRecord {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, value)
	return EXTHRecord{
		Type: recordType,
		Data: data,
	}
}
