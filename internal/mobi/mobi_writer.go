package mobi

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/yuanying/mobicodec/internal/book"
)

// CreatorSoftware is written to EXTH 204; 201 identifies kindlegen for Windows,
// which devices treat as a plain MOBI6 producer.
const CreatorSoftware = 201

// MOBIWriterConfig holds configuration for creating a MOBIWriter.
type MOBIWriterConfig struct {
	Title          string
	HTML           []byte
	Metadata       *book.Document   // EXTH metadata source; chapters and images are ignored
	Navigation     *NavigationIndex // nil writes no index
	ImageRecords   [][]byte
	CoverIndex     *int // 0-based index into ImageRecords; nil means no cover
	ThumbnailIndex *int // 0-based index into ImageRecords; nil means no thumbnail
	Compression    uint16
	CreationTime   time.Time
	UniqueID       *uint32
	Contributor    string
	DocumentID     string // EXTH 113/504; a random UUID when empty
}

// MOBIWriter assembles and writes a complete MOBI6 file.
type MOBIWriter struct {
	cfg MOBIWriterConfig
}

// Build is the fully laid out file: every record in order, the PDB table
// pointing at them and the named record ranges.
type Build struct {
	PDB     *PDB
	Records [][]byte
	Layout  Layout
}

// NewMOBIWriter creates a new MOBIWriter from the given configuration.
func NewMOBIWriter(cfg MOBIWriterConfig) (*MOBIWriter, error) {
	if len(cfg.HTML) == 0 {
		return nil, fmt.Errorf("HTML content is required")
	}

	// Default compression to None
	if cfg.Compression == 0 {
		cfg.Compression = CompressionNone
	}
	if cfg.Compression != CompressionNone && cfg.Compression != CompressionPalmDoc {
		return nil, &UnsupportedFeatureError{Feature: fmt.Sprintf("encoding compression type %d", cfg.Compression)}
	}

	for name, idx := range map[string]*int{"cover": cfg.CoverIndex, "thumbnail": cfg.ThumbnailIndex} {
		if idx != nil && (*idx < 0 || *idx >= len(cfg.ImageRecords)) {
			return nil, fmt.Errorf("%s index %d out of range for %d images", name, *idx, len(cfg.ImageRecords))
		}
	}

	return &MOBIWriter{cfg: cfg}, nil
}

// Build runs the three build phases: content records, header sizing and
// offset resolution.
func (w *MOBIWriter) Build() (*Build, error) {
	content, err := w.contentPhase()
	if err != nil {
		return nil, err
	}
	record0, err := w.headerPhase(content)
	if err != nil {
		return nil, err
	}
	return w.offsetPhase(content, record0)
}

// contentRecords is the output of the content phase.
type contentRecords struct {
	text       [][]byte
	textLength uint32
	index      [][]byte
	layout     Layout
	flis       []byte
	fcis       []byte
	eof        []byte
}

func (w *MOBIWriter) contentPhase() (*contentRecords, error) {
	cfg := w.cfg

	compressor, err := NewCompressor(cfg.Compression)
	if err != nil {
		return nil, err
	}

	textLen, err := TextLength(cfg.HTML)
	if err != nil {
		return nil, err
	}
	if err := checkLimit("text record count", int64(TextRecordCount(cfg.HTML)), math.MaxUint16); err != nil {
		return nil, err
	}

	// Split text into records
	textRecords, err := SplitTextRecords(cfg.HTML, compressor)
	if err != nil {
		return nil, fmt.Errorf("failed to split text records: %w", err)
	}

	var indexRecords [][]byte
	if cfg.Navigation != nil {
		indexRecords = cfg.Navigation.Records()
	}

	layout := planLayout(len(textRecords), len(indexRecords), len(cfg.ImageRecords))
	if err := checkLimit("PDB record count", int64(layout.Total), math.MaxUint16); err != nil {
		return nil, err
	}
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	fcis, err := FCISRecord(textLen)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize FCIS: %w", err)
	}

	return &contentRecords{
		text:       textRecords,
		textLength: textLen,
		index:      indexRecords,
		layout:     layout,
		flis:       FLISRecord(),
		fcis:       fcis,
		eof:        EOFRecord(),
	}, nil
}

func (w *MOBIWriter) headerPhase(c *contentRecords) ([]byte, error) {
	cfg := w.cfg
	l := c.layout

	palm := PalmDOCHeader{
		Compression:     cfg.Compression,
		TextLength:      c.textLength,
		TextRecordCount: uint16(len(c.text)),
		RecordSize:      MaxRecordSize,
	}

	language := ""
	if cfg.Metadata != nil {
		language = cfg.Metadata.Language
	}

	mobiHeader, err := NewMOBIHeader(MOBIHeaderConfig{
		Language:           language,
		UniqueID:           cfg.UniqueID,
		FirstNonBookRecord: uint32(l.FirstNonBook()),
		FirstImageRecord:   headerPointer(l.ImageStart),
		FirstContentRecord: 1,
		LastContentRecord:  uint16(l.LastContent()),
		FCISRecord:         uint32(l.FCIS),
		FLISRecord:         uint32(l.FLIS),
		IndexRecord:        headerPointer(l.IndexStart),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MOBI header: %w", err)
	}

	exth, err := w.buildEXTH()
	if err != nil {
		return nil, err
	}
	exthData, err := exth.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize EXTH: %w", err)
	}

	record0, err := mobiHeader.Record0Bytes(palm, exthData, cfg.Title)
	if err != nil {
		return nil, fmt.Errorf("failed to build record 0: %w", err)
	}
	return record0, nil
}

func (w *MOBIWriter) buildEXTH() (*EXTHHeader, error) {
	cfg := w.cfg

	var exth *EXTHHeader
	if cfg.Metadata != nil {
		exth = EXTHFromDocument(cfg.Metadata)
	} else {
		exth = NewEXTHHeader()
	}

	if cfg.Contributor != "" {
		exth.AddStringRecord(EXTHContributor, cfg.Contributor)
	}
	exth.AddUint32Record(EXTHCreatorSoftware, CreatorSoftware)
	exth.AddStringRecord(EXTHCDEType, "EBOK")

	docID := cfg.DocumentID
	if docID == "" {
		id, err := uuid.NewRandom()
		if err != nil {
			return nil, fmt.Errorf("failed to generate document id: %w", err)
		}
		docID = id.String()
	}
	exth.AddStringRecord(EXTHASIN, docID)
	exth.AddStringRecord(EXTHCDEContentKey, docID)

	if cfg.CoverIndex != nil {
		exth.AddUint32Record(EXTHCoverOffset, uint32(*cfg.CoverIndex))
		exth.AddUint32Record(EXTHHasFakeCover, 0)
	}
	if cfg.ThumbnailIndex != nil {
		exth.AddUint32Record(EXTHThumbOffset, uint32(*cfg.ThumbnailIndex))
	}
	return exth, nil
}

func (w *MOBIWriter) offsetPhase(c *contentRecords, record0 []byte) (*Build, error) {
	records := make([][]byte, 0, c.layout.Total)
	records = append(records, record0)
	records = append(records, c.text...)
	records = append(records, c.index...)
	records = append(records, w.cfg.ImageRecords...)
	records = append(records, c.flis, c.fcis, c.eof)
	if len(records) != c.layout.Total {
		return nil, fmt.Errorf("assembled %d records, layout expects %d", len(records), c.layout.Total)
	}

	recordSizes := make([]int, len(records))
	for i, rec := range records {
		recordSizes[i] = len(rec)
	}

	creation := w.cfg.CreationTime
	if creation.IsZero() {
		creation = time.Now().UTC()
	}

	pdb, err := NewPDB(w.cfg.Title, recordSizes, creation, creation)
	if err != nil {
		return nil, fmt.Errorf("failed to create PDB: %w", err)
	}

	return &Build{PDB: pdb, Records: records, Layout: c.layout}, nil
}

// WriteTo writes the complete MOBI file to the given writer. Nothing is
// written when the build fails.
func (w *MOBIWriter) WriteTo(out io.Writer) (int64, error) {
	b, err := w.Build()
	if err != nil {
		return 0, err
	}

	var written int64

	writeAll := func(data []byte, label string) error {
		n, err := io.Copy(out, bytes.NewReader(data))
		written += n
		if err != nil {
			return fmt.Errorf("failed to write %s: %w", label, err)
		}
		return nil
	}

	headerBytes, err := b.PDB.HeaderBytes()
	if err != nil {
		return written, fmt.Errorf("failed to serialize PDB header: %w", err)
	}
	if err := writeAll(headerBytes, "PDB header"); err != nil {
		return written, err
	}

	recordListBytes, err := b.PDB.RecordListBytes()
	if err != nil {
		return written, fmt.Errorf("failed to serialize record list: %w", err)
	}
	if err := writeAll(recordListBytes, "record list"); err != nil {
		return written, err
	}

	for i, rec := range b.Records {
		if err := writeAll(rec, fmt.Sprintf("record %d", i)); err != nil {
			return written, err
		}
	}

	return written, nil
}
