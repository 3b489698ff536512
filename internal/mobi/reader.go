package mobi

import (
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/yuanying/mobicodec/internal/book"
)

// Container is a parsed MOBI6 file.
type Container struct {
	PDB     *PDB
	Records [][]byte
	Record0 *Record0
	Layout  Layout
}

// Open parses the PDB table, slices the records and decodes record 0.
// Files that only carry a KF8 part and encrypted files are rejected.
func Open(data []byte) (*Container, error) {
	pdb, err := ParsePDB(data)
	if err != nil {
		return nil, err
	}
	if string(pdb.Header.Type[:]) != "BOOK" && string(pdb.Header.Type[:]) != "TEXt" {
		return nil, formatErrorf("PDB header", "database type %q is not a book", pdb.Header.Type[:])
	}
	records := pdb.SplitRecords(data)

	r0, err := ParseRecord0(records[0])
	if err != nil {
		return nil, err
	}
	if r0.MOBI.MobiType == MOBITypeKF8 || r0.MOBI.FileVersion >= FileVersionKF8 {
		return nil, &UnsupportedFeatureError{Feature: "KF8 container"}
	}
	if r0.PalmDOC.Encryption != 0 {
		return nil, &UnsupportedFeatureError{Feature: "DRM"}
	}
	switch r0.MOBI.TextEncoding {
	case EncodingUTF8, EncodingCP1252:
	default:
		return nil, &UnsupportedFeatureError{Feature: fmt.Sprintf("text encoding %d", r0.MOBI.TextEncoding)}
	}

	layout, err := readLayout(r0, records)
	if err != nil {
		return nil, err
	}

	return &Container{
		PDB:     pdb,
		Records: records,
		Record0: r0,
		Layout:  layout,
	}, nil
}

// Text returns the decompressed book text converted to UTF-8.
func (c *Container) Text() ([]byte, error) {
	raw, err := c.RawText()
	if err != nil {
		return nil, err
	}
	return c.DecodeText(raw)
}

// RawText returns the decompressed book text in the file's own encoding,
// truncated to the PalmDOC text length. filepos offsets index into it.
func (c *Container) RawText() ([]byte, error) {
	palm := c.Record0.PalmDOC

	var huffRecords [][]byte
	if palm.Compression == CompressionHuffCDIC {
		h := c.Record0.MOBI
		start, count := int64(h.HuffmanRecordOffset), int64(h.HuffmanRecordCount)
		if h.HuffmanRecordOffset == NotSet || count == 0 || start+count > int64(len(c.Records)) {
			return nil, formatErrorf("MOBI header", "huffman records %d+%d outside %d records", start, count, len(c.Records))
		}
		huffRecords = c.Records[start : start+count]
	}

	dec, err := NewDecompressor(palm.Compression, huffRecords)
	if err != nil {
		return nil, err
	}

	flags := c.Record0.MOBI.TrailingFlags()
	var text []byte
	for i := c.Layout.TextStart; i < c.Layout.TextStart+c.Layout.TextCount; i++ {
		raw, err := StripTrailingEntries(c.Records[i], flags)
		if err != nil {
			return nil, fmt.Errorf("text record %d: %w", i, err)
		}
		plain, err := dec.Decompress(raw)
		if err != nil {
			return nil, fmt.Errorf("text record %d: %w", i, err)
		}
		text = append(text, plain...)
	}

	if int64(palm.TextLength) < int64(len(text)) {
		text = text[:palm.TextLength]
	}
	return text, nil
}

// DecodeText converts text in the file's encoding to UTF-8.
func (c *Container) DecodeText(data []byte) ([]byte, error) {
	if c.Record0.MOBI.TextEncoding != EncodingCP1252 {
		return data, nil
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return nil, &FormatError{Part: "text", Msg: "CP1252 decode", Err: err}
	}
	return out, nil
}

func (c *Container) decodeString(data []byte) string {
	if c.Record0.MOBI.TextEncoding == EncodingCP1252 && !utf8.Valid(data) {
		if out, err := c.DecodeText(data); err == nil {
			return string(out)
		}
	}
	return string(data)
}

// thumbnailRecindex returns the 1-based recindex EXTH 202 points at, or 0.
func (c *Container) thumbnailRecindex() int {
	if off, ok := c.Record0.EXTH.Uint32(EXTHThumbOffset); ok && int64(off) < int64(c.Layout.ImageCount) {
		return int(off) + 1
	}
	return 0
}

// Images returns the image records in the image range, skipping the
// thumbnail. Structural records are skipped only when the range was found by
// scanning.
func (c *Container) Images() *ImageMapper {
	m := NewImageMapper()
	if c.Layout.ImageStart == absent {
		return m
	}
	thumb := c.thumbnailRecindex()
	for i := 0; i < c.Layout.ImageCount; i++ {
		recindex := i + 1
		rec := c.Records[c.Layout.ImageStart+i]
		if recindex == thumb || (!c.Layout.ImagesFromHeader && isSkippedRecord(rec)) {
			continue
		}
		m.AddImage(recindex, rec)
	}
	return m
}

// Navigation decodes the chapter index, or returns nil when the file has none.
func (c *Container) Navigation() ([]NavEntry, error) {
	if c.Layout.IndexStart == absent || c.Layout.IndexCount == 0 {
		return nil, nil
	}
	entries, err := ParseNavigationIndex(c.Records, c.Layout.IndexStart)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Label = c.decodeString([]byte(entries[i].Label))
	}
	return entries, nil
}

// Title prefers EXTH 503 when present, even if empty, then the full name,
// then the PDB database name.
func (c *Container) Title() string {
	if c.Record0.EXTH.Has(EXTHUpdatedTitle) {
		return c.decodeString([]byte(c.Record0.EXTH.String(EXTHUpdatedTitle)))
	}
	if len(c.Record0.FullName) > 0 {
		return c.decodeString(c.Record0.FullName)
	}
	return c.PDB.DatabaseName()
}

// Metadata fills the document metadata from EXTH and the MOBI header. The
// cover index is translated through images so it matches document order.
func (c *Container) Metadata(images *ImageMapper) book.Document {
	exth := c.Record0.EXTH
	str := func(t uint32) string { return c.decodeString([]byte(exth.String(t))) }

	doc := book.Document{
		Title:       c.Title(),
		Author:      str(EXTHAuthor),
		Publisher:   str(EXTHPublisher),
		Description: str(EXTHDescription),
		ISBN:        str(EXTHISBN),
		Rights:      str(EXTHRights),
		PublishDate: str(EXTHPublishDate),
		Language:    str(EXTHLanguage),
	}
	for _, s := range exth.Strings(EXTHSubject) {
		doc.Subjects = append(doc.Subjects, c.decodeString([]byte(s)))
	}
	if !exth.Has(EXTHLanguage) {
		doc.Language = LanguageFromCode(c.Record0.MOBI.Locale)
	}
	if off, ok := exth.Uint32(EXTHCoverOffset); ok && images != nil {
		if idx, ok := images.DocumentIndex(int(off) + 1); ok {
			doc.CoverImage = idx
		}
	}
	return doc
}
