package converter

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/yuanying/mobicodec/internal/mobi"
)

const (
	fileposAttr        = "filepos"
	recindexAttr       = "recindex"
	fileposPlaceholder = "0000000000"
)

// fileposID is the id given to the element a filepos link lands on.
func fileposID(offset uint32) string {
	return fmt.Sprintf("filepos%010d", offset)
}

// tagPos is a start tag found while tokenizing book text.
type tagPos struct {
	offset  int // byte offset of '<'
	nameEnd int // byte offset just past the tag name
	name    string
	id      string
	hasID   bool
	class   string
	filepos string
	inBody  bool
}

// scanTags tokenizes text and records every start tag with its byte offset.
// When the text has no body tag every tag counts as body content.
func scanTags(text []byte) ([]tagPos, error) {
	z := html.NewTokenizer(bytes.NewReader(text))
	var tags []tagPos
	offset := 0
	inBody, sawBody := false, false

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); err != io.EOF {
				return nil, err
			}
			break
		}
		// Raw must be measured before TagName, which rewrites the buffer.
		size := len(z.Raw())

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			t := tagPos{offset: offset, nameEnd: offset + 1 + len(name), name: string(name), inBody: inBody}
			for hasAttr {
				var key, val []byte
				key, val, hasAttr = z.TagAttr()
				switch string(key) {
				case "id":
					t.id, t.hasID = string(val), true
				case "class":
					t.class = string(val)
				case fileposAttr:
					t.filepos = string(val)
				}
			}
			if t.name == "body" {
				inBody, sawBody = true, true
			} else {
				tags = append(tags, t)
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "body" {
				inBody = false
			}
		}
		offset += size
	}

	if !sawBody {
		for i := range tags {
			tags[i].inBody = true
		}
	}
	return tags, nil
}

// hasClass reports whether a class attribute value lists class.
func hasClass(value, class string) bool {
	for _, c := range strings.Fields(value) {
		if c == class {
			return true
		}
	}
	return false
}

// nearestTag returns the index of the last body tag starting at or before
// target, or -1 when none does.
func nearestTag(tags []tagPos, target uint32) int {
	i := sort.Search(len(tags), func(i int) bool { return int64(tags[i].offset) > int64(target) }) - 1
	for ; i >= 0; i-- {
		if tags[i].inBody {
			return i
		}
	}
	return -1
}

// markTargets gives the element nearest to each target offset the id
// fileposID(target). A tag that already has an id, or that was picked by an
// earlier target, gets an empty anchor carrying the id in front of it
// instead. The returned set holds the targets that found an element.
func markTargets(text []byte, tags []tagPos, targets []uint32) ([]byte, map[uint32]bool) {
	sorted := append([]uint32(nil), targets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	resolved := make(map[uint32]bool)
	byTag := make(map[int][]uint32)
	for _, t := range sorted {
		if resolved[t] {
			continue
		}
		i := nearestTag(tags, t)
		if i < 0 {
			continue
		}
		resolved[t] = true
		byTag[i] = append(byTag[i], t)
	}

	order := make([]int, 0, len(byTag))
	for i := range byTag {
		order = append(order, i)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(order)))

	out := bytes.Clone(text)
	for _, i := range order {
		tag, ids := tags[i], byTag[i]
		if !tag.hasID {
			out = insertAt(out, tag.nameEnd, []byte(` id="`+fileposID(ids[0])+`"`))
			ids = ids[1:]
		}
		var anchors bytes.Buffer
		for _, t := range ids {
			fmt.Fprintf(&anchors, `<a id="%s"></a>`, fileposID(t))
		}
		out = insertAt(out, tag.offset, anchors.Bytes())
	}
	return out, resolved
}

func insertAt(data []byte, pos int, insert []byte) []byte {
	if len(insert) == 0 {
		return data
	}
	out := make([]byte, 0, len(data)+len(insert))
	out = append(out, data[:pos]...)
	out = append(out, insert...)
	return append(out, data[pos:]...)
}

// readResolver turns filepos and recindex references in book text back into
// id and image file name references.
type readResolver struct {
	logger *slog.Logger
	// decode converts marked text to UTF-8; nil means the text already is.
	decode func([]byte) ([]byte, error)
	// images maps file recindexes to document image indexes; nil keeps the
	// recindex as the image number.
	images *mobi.ImageMapper
}

// resolve marks every filepos link target plus the extra offsets, decodes
// the text and rewrites the links. The returned set reports which offsets,
// extra ones included, landed on an element.
func (r *readResolver) resolve(text []byte, extra []uint32) (*goquery.Document, map[uint32]bool, error) {
	tags, err := scanTags(text)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to tokenize text: %w", err)
	}

	targets := append([]uint32(nil), extra...)
	for _, t := range tags {
		if t.name != "a" || t.filepos == "" {
			continue
		}
		if n, err := strconv.ParseUint(t.filepos, 10, 32); err == nil {
			targets = append(targets, uint32(n))
		}
	}

	marked, resolved := markTargets(text, tags, targets)
	if r.decode != nil {
		if marked, err = r.decode(marked); err != nil {
			return nil, nil, err
		}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(marked))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse text: %w", err)
	}
	r.rewriteLinks(doc, resolved)
	r.rewriteImages(doc)
	return doc, resolved, nil
}

func (r *readResolver) rewriteLinks(doc *goquery.Document, resolved map[uint32]bool) {
	doc.Find("a[filepos]").Each(func(_ int, s *goquery.Selection) {
		value, _ := s.Attr(fileposAttr)
		s.RemoveAttr(fileposAttr)
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil || !resolved[uint32(n)] {
			r.logger.Warn("unresolved filepos link", "filepos", value)
			return
		}
		s.SetAttr("href", "#"+fileposID(uint32(n)))
	})
}

func (r *readResolver) rewriteImages(doc *goquery.Document) {
	doc.Find("img[recindex]").Each(func(_ int, s *goquery.Selection) {
		value, _ := s.Attr(recindexAttr)
		recindex, ok := mobi.ParseRecindex(value)
		if !ok {
			r.logger.Warn("invalid image recindex", "recindex", value)
			return
		}
		s.RemoveAttr(recindexAttr)
		n := recindex
		if r.images != nil {
			idx, ok := r.images.DocumentIndex(recindex)
			if !ok {
				r.logger.Warn("image recindex has no image record", "recindex", value)
			} else {
				n = idx
			}
		}
		s.SetAttr("src", mobi.ImageFileName(n))
	})
}

// ResolveOnRead rewrites the filepos links and recindex images of UTF-8
// book text into id links and "NNNNN.jpg" image references.
func ResolveOnRead(text []byte) ([]byte, error) {
	r := &readResolver{logger: slog.Default()}
	doc, _, err := r.resolve(text, nil)
	if err != nil {
		return nil, err
	}
	out, err := doc.Html()
	if err != nil {
		return nil, fmt.Errorf("failed to render text: %w", err)
	}
	return []byte(out), nil
}

// prepareBuildLinks replaces local links under sel with zero filepos
// placeholders and image file names with recindex attributes. It returns the
// id each placeholder points at, in document order.
func prepareBuildLinks(sel *goquery.Selection) []string {
	sel.Find("[filepos]").RemoveAttr(fileposAttr)

	var targets []string
	sel.Find(`a[href^="#"]`).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		id := strings.TrimPrefix(href, "#")
		if id == "" {
			return
		}
		if unescaped, err := url.PathUnescape(id); err == nil {
			id = unescaped
		}
		s.RemoveAttr("href")
		s.SetAttr(fileposAttr, fileposPlaceholder)
		targets = append(targets, id)
	})

	sel.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if n, ok := mobi.ParseImageFileName(src); ok {
			s.RemoveAttr("src")
			s.SetAttr(recindexAttr, mobi.FormatRecindex(n))
		}
	})
	return targets
}

// resolveBuildLinks overwrites, in place, each filepos placeholder in the
// serialized book with the offset of the tag carrying its target id. It
// returns the offsets of the chapter wrappers, taken from the wrapper that
// directly precedes each chapter title.
func resolveBuildLinks(text []byte, targets []string, logger *slog.Logger) ([]uint32, error) {
	tags, err := scanTags(text)
	if err != nil {
		return nil, fmt.Errorf("failed to tokenize book: %w", err)
	}

	ids := make(map[string]int)
	var placeholders []int
	var chapters []uint32
	wrapper := -1
	for _, t := range tags {
		if t.hasID {
			if _, seen := ids[t.id]; !seen {
				ids[t.id] = t.offset
			}
		}
		if t.name == "a" && t.filepos == fileposPlaceholder {
			placeholders = append(placeholders, t.offset)
		}
		switch {
		case t.name == "div" && hasClass(t.class, chapterClass):
			wrapper = t.offset
		case t.name == "h2" && hasClass(t.class, chapterTitleClass) && wrapper >= 0:
			chapters = append(chapters, uint32(wrapper))
			wrapper = -1
		}
	}

	if len(placeholders) != len(targets) {
		return nil, fmt.Errorf("found %d filepos placeholders, expected %d", len(placeholders), len(targets))
	}

	attr := []byte(fileposAttr + `="` + fileposPlaceholder + `"`)
	for i, target := range targets {
		offset, ok := ids[target]
		if !ok {
			logger.Warn("link target not found, leaving filepos 0", "target", target)
			continue
		}
		at := bytes.Index(text[placeholders[i]:], attr)
		if at < 0 {
			return nil, fmt.Errorf("filepos placeholder for %q not found", target)
		}
		value := fmt.Sprintf("%010d", offset)
		copy(text[placeholders[i]+at+len(fileposAttr)+2:], value)
	}
	return chapters, nil
}
