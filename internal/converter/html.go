package converter

import (
	"bytes"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"
	nethtml "golang.org/x/net/html"

	"github.com/yuanying/mobicodec/internal/book"
	"github.com/yuanying/mobicodec/internal/mobi"
)

const (
	chapterClass      = "chapter"
	chapterTitleClass = "chapter-title"

	bookHead  = `<html><head></head><body>`
	bookTail  = `</body></html>`
	pageBreak = `<mbp:pagebreak/>`
)

// HTMLBuilder builds the single book text from chapter fragments.
type HTMLBuilder struct {
	// LegacyMarkup rewrites HTML5 sectioning tags and drops attributes old
	// readers choke on.
	LegacyMarkup bool

	chapters []book.Chapter
	logger   *slog.Logger
}

// BookHTML is the serialized book text with the offsets the navigation
// index needs.
type BookHTML struct {
	Text     []byte
	Chapters []mobi.NavPoint
	EOF      uint32
}

// NewHTMLBuilder creates a new HTMLBuilder. A nil logger uses slog.Default.
func NewHTMLBuilder(logger *slog.Logger) *HTMLBuilder {
	return &HTMLBuilder{logger: loggerOrDefault(logger)}
}

// AddChapter appends a chapter to the book.
func (h *HTMLBuilder) AddChapter(ch book.Chapter) {
	h.chapters = append(h.chapters, ch)
}

// Build serializes the book once, then resolves the filepos placeholders and
// chapter offsets against that serialization.
func (h *HTMLBuilder) Build() (*BookHTML, error) {
	if len(h.chapters) == 0 {
		return nil, fmt.Errorf("book has no chapters")
	}

	var b bytes.Buffer
	b.WriteString(bookHead)
	var targets []string
	for i, ch := range h.chapters {
		fragment, t, err := h.renderChapter(ch)
		if err != nil {
			return nil, fmt.Errorf("failed to render chapter %d: %w", i+1, err)
		}
		b.WriteString(fragment)
		b.WriteString(pageBreak)
		targets = append(targets, t...)
	}
	b.WriteString(bookTail)
	text := b.Bytes()

	starts, err := resolveBuildLinks(text, targets, h.logger)
	if err != nil {
		return nil, err
	}
	if len(starts) != len(h.chapters) {
		return nil, fmt.Errorf("found %d chapter wrappers for %d chapters", len(starts), len(h.chapters))
	}

	eof, err := mobi.TextLength(text)
	if err != nil {
		return nil, err
	}

	points := make([]mobi.NavPoint, len(h.chapters))
	for i, ch := range h.chapters {
		points[i] = mobi.NavPoint{Label: ch.Title, Offset: starts[i]}
	}
	h.logger.Debug("built book text", "bytes", len(text), "chapters", len(points), "links", len(targets))
	return &BookHTML{Text: text, Chapters: points, EOF: eof}, nil
}

// renderChapter wraps one chapter, rewrites its links and images and
// serializes it. It also returns the link targets in document order.
func (h *HTMLBuilder) renderChapter(ch book.Chapter) (string, []string, error) {
	src := fmt.Sprintf(`<div class="%s"><h2 class="%s">%s</h2>%s</div>`,
		chapterClass, chapterTitleClass, html.EscapeString(ch.Title), ch.HTML)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse chapter: %w", err)
	}

	body := doc.Find("body")
	if h.LegacyMarkup {
		TransformHTML(body)
	}
	targets := prepareBuildLinks(body)

	out, err := body.Html()
	if err != nil {
		return "", nil, fmt.Errorf("failed to render chapter: %w", err)
	}
	return out, targets, nil
}

// SplitChapters recovers the chapter list from a parsed book. Chapter
// wrappers written by HTMLBuilder win; otherwise the navigation entries cut
// the body; otherwise the whole body becomes one chapter named title.
func SplitChapters(doc *goquery.Document, nav []mobi.NavEntry, title string, logger *slog.Logger) []book.Chapter {
	logger = loggerOrDefault(logger)

	if chapters := splitByWrappers(doc); len(chapters) > 0 {
		return chapters
	}

	body := doc.Find("body")
	if chapters := splitByNavigation(body, nav); len(chapters) > 0 {
		logger.Debug("split chapters by navigation index", "chapters", len(chapters))
		return chapters
	}

	logger.Warn("no chapter markers or navigation index, using a single chapter")
	content, _ := body.Html()
	return []book.Chapter{{Title: title, HTML: content}}
}

func splitByWrappers(doc *goquery.Document) []book.Chapter {
	var chapters []book.Chapter
	doc.Find("div." + chapterClass).Each(func(_ int, s *goquery.Selection) {
		heading := s.Children().First()
		if !heading.Is("h2." + chapterTitleClass) {
			return
		}
		title := heading.Text()
		heading.Remove()
		content, err := s.Html()
		if err != nil {
			return
		}
		chapters = append(chapters, book.Chapter{Title: title, HTML: content})
	})
	return chapters
}

// splitByNavigation cuts the body's top level nodes at the elements the
// navigation offsets were resolved to. Content before the first entry goes
// to the first chapter.
func splitByNavigation(body *goquery.Selection, nav []mobi.NavEntry) []book.Chapter {
	if body.Length() == 0 || len(nav) == 0 {
		return nil
	}
	nodes := body.Contents().Nodes
	position := make(map[*nethtml.Node]int, len(nodes))
	for i, n := range nodes {
		position[n] = i
	}

	type cut struct {
		title string
		start int
	}
	var cuts []cut
	for _, e := range nav {
		target := body.Find("#" + fileposID(e.Offset)).First()
		if target.Length() == 0 {
			continue
		}
		n := target.Get(0)
		for n.Parent != nil && n.Parent != body.Get(0) {
			n = n.Parent
		}
		start, ok := position[n]
		if !ok {
			continue
		}
		if len(cuts) > 0 && start < cuts[len(cuts)-1].start {
			start = cuts[len(cuts)-1].start
		}
		cuts = append(cuts, cut{title: e.Label, start: start})
	}
	if len(cuts) == 0 {
		return nil
	}
	cuts[0].start = 0

	chapters := make([]book.Chapter, len(cuts))
	for i, c := range cuts {
		end := len(nodes)
		if i+1 < len(cuts) {
			end = cuts[i+1].start
		}
		var b strings.Builder
		for _, n := range nodes[c.start:end] {
			if err := nethtml.Render(&b, n); err != nil {
				return nil
			}
		}
		chapters[i] = book.Chapter{Title: c.title, HTML: b.String()}
	}
	return chapters
}
