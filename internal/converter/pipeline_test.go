package converter

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuanying/mobicodec/internal/book"
	"github.com/yuanying/mobicodec/internal/mobi"
)

var testCreationTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testPipeline(opts Options) *Pipeline {
	opts.CreationTime = testCreationTime
	return NewPipeline(opts)
}

func openBuiltFile(t *testing.T, path string) *mobi.Container {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	c, err := mobi.Open(data)
	require.NoError(t, err)
	return c
}

func roundTripDocument(t *testing.T) *book.Document {
	t.Helper()
	return &book.Document{
		Title:       "Round Trip",
		Author:      "A. Writer",
		Language:    "en",
		ISBN:        "9780306406157",
		Publisher:   "Example Press",
		Description: "A book used by tests.",
		Subjects:    []string{"Fiction", "Testing"},
		Rights:      "Public domain",
		PublishDate: "2024-01-02",
		Chapters: []book.Chapter{
			{Title: "Chapter 1", HTML: "<p>Hello</p>"},
			{Title: "Chapter 2", HTML: `<p>An image:</p><p><img src="00002.jpg"/></p>`},
			{Title: "Chapter 3", HTML: "<div><p>Nested</p><ul><li>one</li><li>two</li></ul></div>"},
		},
		Images:     [][]byte{mustEncodeJPEG(t, makePatternNRGBA(40, 30), 80), []byte("second image")},
		CoverImage: 1,
	}
}

// sparseDocument leaves every optional metadata field empty.
func sparseDocument() *book.Document {
	return &book.Document{
		Chapters: []book.Chapter{{Title: "Only", HTML: "<p>text</p>"}},
	}
}

func TestPipeline_RoundTrip(t *testing.T) {
	docs := map[string]func(*testing.T) *book.Document{
		"full metadata":   roundTripDocument,
		"empty metadata":  func(*testing.T) *book.Document { return sparseDocument() },
		"empty title":     func(*testing.T) *book.Document { d := sparseDocument(); d.Language = "fr"; return d },
		"empty language":  func(*testing.T) *book.Document { d := sparseDocument(); d.Title = "No Language"; return d },
		"images, no meta": func(t *testing.T) *book.Document { d := sparseDocument(); d.Images = [][]byte{[]byte("img")}; return d },
	}
	for name, makeDoc := range docs {
		for _, compression := range []uint16{mobi.CompressionNone, mobi.CompressionPalmDoc} {
			t.Run(fmt.Sprintf("%s/compression %d", name, compression), func(t *testing.T) {
				doc := makeDoc(t)
				out := filepath.Join(t.TempDir(), "book.mobi")

				got, err := testPipeline(Options{Compression: compression}).BuildDocument(doc, out)
				require.NoError(t, err)
				assert.Equal(t, doc, got)

				parsed, err := ParseDocument(out)
				require.NoError(t, err)
				assert.Equal(t, doc, parsed)
			})
		}
	}
}

func TestPipeline_TestBookScenario(t *testing.T) {
	doc := &book.Document{
		Title:    "Test Book",
		ISBN:     "0",
		Chapters: []book.Chapter{{Title: "Chapter 1", HTML: "<p>Hello</p>"}},
	}
	out := filepath.Join(t.TempDir(), "test.mobi")

	got, err := BuildDocument(doc, out)
	require.NoError(t, err)
	assert.Equal(t, "Test Book", got.Title)
	assert.Equal(t, []book.Chapter{{Title: "Chapter 1", HTML: "<p>Hello</p>"}}, got.Chapters)

	c := openBuiltFile(t, out)
	assert.Equal(t, uint16(1), c.Record0.PalmDOC.TextRecordCount)
	assert.False(t, c.Record0.EXTH.Has(mobi.EXTHISBN))

	nav, err := c.Navigation()
	require.NoError(t, err)
	require.Len(t, nav, 1)
	assert.Equal(t, "Chapter 1", nav[0].Label)
	assert.Equal(t, c.Record0.PalmDOC.TextLength, nav[0].Offset+nav[0].Length, "last chapter ends at EOF")
}

func TestPipeline_ImagesWithRecordMagics(t *testing.T) {
	doc := &book.Document{
		Title: "Magic",
		Chapters: []book.Chapter{
			{Title: "A", HTML: `<p><img src="00001.jpg"/></p><p><img src="00002.jpg"/></p>`},
		},
		Images:     [][]byte{[]byte("INDXdata"), []byte("FLIS but an image")},
		CoverImage: 2,
	}
	out := filepath.Join(t.TempDir(), "magic.mobi")

	got, err := testPipeline(Options{}).BuildDocument(doc, out)
	require.NoError(t, err)
	assert.Equal(t, doc, got)
}

func TestPipeline_Thumbnail(t *testing.T) {
	doc := roundTripDocument(t)
	out := filepath.Join(t.TempDir(), "thumb.mobi")

	got, err := testPipeline(Options{Thumbnail: true, ThumbnailWidth: 20}).BuildDocument(doc, out)
	require.NoError(t, err)
	assert.Equal(t, doc.Images, got.Images, "the thumbnail is not a document image")
	assert.Equal(t, 1, got.CoverImage)

	c := openBuiltFile(t, out)
	assert.Equal(t, 3, c.Layout.ImageCount)
	thumb, ok := c.Record0.EXTH.Uint32(mobi.EXTHThumbOffset)
	require.True(t, ok)
	assert.Equal(t, uint32(2), thumb)

	info, err := DescribeImage(c.Records[c.Layout.ImageStart+int(thumb)])
	require.NoError(t, err)
	assert.Equal(t, 20, info.Width)
}

func TestPipeline_ThumbnailSkippedForUndecodableCover(t *testing.T) {
	doc := roundTripDocument(t)
	doc.CoverImage = 2
	out := filepath.Join(t.TempDir(), "nothumb.mobi")

	_, err := testPipeline(Options{Thumbnail: true}).BuildDocument(doc, out)
	require.NoError(t, err)

	c := openBuiltFile(t, out)
	assert.False(t, c.Record0.EXTH.Has(mobi.EXTHThumbOffset))
	assert.Equal(t, 2, c.Layout.ImageCount)
}

func TestPipeline_Repack(t *testing.T) {
	dir := t.TempDir()
	doc := roundTripDocument(t)
	first := filepath.Join(dir, "first.mobi")
	second := filepath.Join(dir, "second.mobi")

	_, err := testPipeline(Options{Compression: mobi.CompressionNone}).BuildDocument(doc, first)
	require.NoError(t, err)

	got, err := testPipeline(Options{Contributor: "repack"}).Repack(first, second)
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	c := openBuiltFile(t, second)
	assert.Equal(t, mobi.CompressionPalmDoc, c.Record0.PalmDOC.Compression)
	assert.Equal(t, "repack", c.Record0.EXTH.String(mobi.EXTHContributor))
}

func TestPipeline_TruncatedFile(t *testing.T) {
	dir := t.TempDir()
	full := filepath.Join(dir, "full.mobi")
	_, err := BuildDocument(roundTripDocument(t), full)
	require.NoError(t, err)

	data, err := os.ReadFile(full)
	require.NoError(t, err)
	truncated := filepath.Join(dir, "truncated.mobi")
	require.NoError(t, os.WriteFile(truncated, data[:mobi.PDBHeaderSize+16], 0o644))

	_, err = ParseDocument(truncated)
	var fe *mobi.FormatError
	assert.True(t, errors.As(err, &fe), "error = %v, want FormatError", err)
}

func TestPipeline_OverflowLeavesNoFile(t *testing.T) {
	chapters := make([]book.Chapter, 8000)
	for i := range chapters {
		chapters[i] = book.Chapter{Title: "C", HTML: "<p>x</p>"}
	}
	dir := t.TempDir()
	out := filepath.Join(dir, "overflow.mobi")

	_, err := BuildDocument(&book.Document{Title: "Big", Chapters: chapters}, out)
	var overflow *mobi.BuildOverflowError
	require.True(t, errors.As(err, &overflow), "error = %v, want BuildOverflowError", err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPipeline_InvalidDocuments(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		doc  *book.Document
	}{
		{"nil", nil},
		{"no chapters", &book.Document{Title: "Empty"}},
		{"empty image", &book.Document{Chapters: []book.Chapter{{Title: "A"}}, Images: [][]byte{{}}}},
		{"cover out of range", &book.Document{Chapters: []book.Chapter{{Title: "A"}}, CoverImage: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := filepath.Join(dir, "invalid.mobi")
			_, err := BuildDocument(tt.doc, out)
			assert.Error(t, err)
			_, statErr := os.Stat(out)
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestPipeline_UnwritableOutput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "missing", "book.mobi")
	_, err := BuildDocument(roundTripDocument(t), out)
	assert.Error(t, err)
}

// writeForeignBook writes a MOBI file whose text was not produced by
// HTMLBuilder.
func writeForeignBook(t *testing.T, cfg mobi.MOBIWriterConfig) []byte {
	t.Helper()
	if cfg.CreationTime.IsZero() {
		cfg.CreationTime = testCreationTime
	}
	w, err := mobi.NewMOBIWriter(cfg)
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = w.WriteTo(&buf)
	require.NoError(t, err)
	return buf.Bytes()
}

func TestPipeline_ParseForeignNavigation(t *testing.T) {
	text := []byte(`<html><head></head><body><h1>One</h1><p>first</p><h1>Two</h1><p>second <a filepos="0000000025">back</a></p></body></html>`)
	one, two := uint32(25), uint32(len(`<html><head></head><body><h1>One</h1><p>first</p>`))
	nav, err := mobi.BuildNavigationIndex([]mobi.NavPoint{{Label: "One", Offset: one}, {Label: "Two", Offset: two}}, uint32(len(text)))
	require.NoError(t, err)

	data := writeForeignBook(t, mobi.MOBIWriterConfig{Title: "Foreign", HTML: text, Navigation: nav})
	doc, err := testPipeline(Options{}).ParseBytes(data)
	require.NoError(t, err)

	require.Len(t, doc.Chapters, 2)
	assert.Equal(t, fmt.Sprintf(`<h1 id="%s">One</h1><p>first</p>`, fileposID(one)), doc.Chapters[0].HTML)
	assert.Equal(t, "Two", doc.Chapters[1].Title)
	assert.Contains(t, doc.Chapters[1].HTML, fmt.Sprintf(`<a href="#%s">back</a>`, fileposID(one)))
}

func TestPipeline_ParseCP1252(t *testing.T) {
	text := []byte("<html><head></head><body><div class=\"chapter\"><h2 class=\"chapter-title\">Caf\xe9</h2>" +
		"<p>\x93quoted\x94</p></div></body></html>")
	data := writeForeignBook(t, mobi.MOBIWriterConfig{
		Title:    "Caf\xe9",
		HTML:     text,
		Metadata: &book.Document{Title: "Caf\xe9", Author: "Ren\xe9"},
	})
	r0 := int(binary.BigEndian.Uint32(data[mobi.PDBHeaderSize:]))
	binary.BigEndian.PutUint32(data[r0+mobi.PalmDOCHeaderSize+12:], mobi.EncodingCP1252)

	doc, err := testPipeline(Options{}).ParseBytes(data)
	require.NoError(t, err)
	assert.Equal(t, "Café", doc.Title)
	assert.Equal(t, "René", doc.Author)
	assert.Equal(t, []book.Chapter{{Title: "Café", HTML: "<p>“quoted”</p>"}}, doc.Chapters)
}

func TestPipeline_ParseUnsupported(t *testing.T) {
	data := writeForeignBook(t, mobi.MOBIWriterConfig{Title: "T", HTML: []byte("<p>x</p>")})
	r0 := int(binary.BigEndian.Uint32(data[mobi.PDBHeaderSize:]))
	binary.BigEndian.PutUint16(data[r0+12:], 1)

	_, err := testPipeline(Options{}).ParseBytes(data)
	var unsupported *mobi.UnsupportedFeatureError
	assert.True(t, errors.As(err, &unsupported), "error = %v, want UnsupportedFeatureError", err)
}
