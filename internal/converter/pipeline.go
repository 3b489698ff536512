package converter

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/yuanying/mobicodec/internal/book"
	"github.com/yuanying/mobicodec/internal/mobi"
)

// Options holds options for the document pipeline.
type Options struct {
	// Compression for built text records; zero means PalmDoc.
	Compression uint16
	// Thumbnail adds a scaled copy of the cover image referenced by EXTH 202.
	Thumbnail      bool
	ThumbnailWidth int
	LegacyMarkup   bool
	Contributor    string
	// CreationTime stamps the PDB header; zero means now.
	CreationTime time.Time
	Logger       *slog.Logger
}

// Pipeline reads MOBI files into documents and builds documents into MOBI
// files.
type Pipeline struct {
	Options Options
	logger  *slog.Logger
}

// NewPipeline creates a new document pipeline.
func NewPipeline(opts Options) *Pipeline {
	if opts.Compression == 0 {
		opts.Compression = mobi.CompressionPalmDoc
	}
	return &Pipeline{Options: opts, logger: loggerOrDefault(opts.Logger)}
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// ParseDocument reads the MOBI file at path.
func ParseDocument(path string) (*book.Document, error) {
	return NewPipeline(Options{}).ParseDocument(path)
}

// BuildDocument writes doc to outputPath with default options and returns
// the document parsed back from the written file.
func BuildDocument(doc *book.Document, outputPath string) (*book.Document, error) {
	return NewPipeline(Options{}).BuildDocument(doc, outputPath)
}

// ParseDocument reads the MOBI file at path.
func (p *Pipeline) ParseDocument(path string) (*book.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	doc, err := p.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return doc, nil
}

// ParseBytes decodes a MOBI file held in memory.
func (p *Pipeline) ParseBytes(data []byte) (*book.Document, error) {
	c, err := mobi.Open(data)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("opened container",
		"records", len(c.Records),
		"compression", c.Record0.PalmDOC.Compression,
		"encoding", c.Record0.MOBI.TextEncoding)

	raw, err := c.RawText()
	if err != nil {
		return nil, err
	}
	nav, err := c.Navigation()
	if err != nil {
		return nil, err
	}
	images := c.Images()

	offsets := make([]uint32, len(nav))
	for i, e := range nav {
		offsets[i] = e.Offset
	}
	r := &readResolver{logger: p.logger, decode: c.DecodeText, images: images}
	html, _, err := r.resolve(raw, offsets)
	if err != nil {
		return nil, err
	}

	doc := c.Metadata(images)
	doc.Chapters = SplitChapters(html, nav, doc.Title, p.logger)
	doc.Images = images.ImageRecordData()
	p.logger.Debug("parsed document", "title", doc.Title, "chapters", len(doc.Chapters), "images", len(doc.Images))
	return &doc, nil
}

// BuildDocument serializes doc into outputPath and returns the document
// parsed back from the written file. On failure no file is left behind.
func (p *Pipeline) BuildDocument(doc *book.Document, outputPath string) (*book.Document, error) {
	data, err := p.Encode(doc)
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(outputPath, data); err != nil {
		return nil, err
	}

	parsed, err := p.ParseDocument(outputPath)
	if err != nil {
		os.Remove(outputPath)
		return nil, fmt.Errorf("failed to verify written file: %w", err)
	}
	p.logger.Info("built document", "path", outputPath, "bytes", len(data))
	return parsed, nil
}

// Repack parses in and builds it again at out.
func (p *Pipeline) Repack(in, out string) (*book.Document, error) {
	doc, err := p.ParseDocument(in)
	if err != nil {
		return nil, err
	}
	return p.BuildDocument(doc, out)
}

// Encode builds the complete MOBI file for doc in memory.
func (p *Pipeline) Encode(doc *book.Document) ([]byte, error) {
	if doc == nil {
		return nil, fmt.Errorf("document is nil")
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid document: %w", err)
	}

	builder := NewHTMLBuilder(p.logger)
	builder.LegacyMarkup = p.Options.LegacyMarkup
	for _, ch := range doc.Chapters {
		builder.AddChapter(ch)
	}
	text, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build HTML: %w", err)
	}

	nav, err := mobi.BuildNavigationIndex(text.Chapters, text.EOF)
	if err != nil {
		return nil, fmt.Errorf("failed to build navigation index: %w", err)
	}

	title := doc.Title
	if title == "" {
		title = "Untitled"
	}

	images := append([][]byte(nil), doc.Images...)
	cfg := mobi.MOBIWriterConfig{
		Title:        title,
		HTML:         text.Text,
		Metadata:     doc,
		Navigation:   nav,
		Compression:  p.Options.Compression,
		CreationTime: p.Options.CreationTime,
		Contributor:  p.Options.Contributor,
	}
	if doc.CoverImage > 0 {
		cover := doc.CoverImage - 1
		cfg.CoverIndex = &cover
		if p.Options.Thumbnail {
			thumb, err := MakeThumbnail(images[cover], p.Options.ThumbnailWidth)
			if err != nil {
				p.logger.Warn("skipping cover thumbnail", "error", err)
			} else {
				images = append(images, thumb)
				idx := len(images) - 1
				cfg.ThumbnailIndex = &idx
			}
		}
	}
	cfg.ImageRecords = images

	writer, err := mobi.NewMOBIWriter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create MOBI writer: %w", err)
	}
	var buf bytes.Buffer
	if _, err := writer.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write MOBI: %w", err)
	}
	return buf.Bytes(), nil
}

// writeFileAtomic writes data to a temporary file next to path and renames
// it into place. The temporary file is removed on every failure.
func writeFileAtomic(path string, data []byte) (err error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	f, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("failed to close output file: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move output file into place: %w", err)
	}
	return nil
}
