package converter

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/atom"
)

// tagConversions maps HTML5 semantic tags to their MOBI6 replacements.
var tagConversions = map[string]string{
	"article":    "div",
	"section":    "div",
	"aside":      "div",
	"nav":        "div",
	"header":     "div",
	"footer":     "div",
	"figure":     "div",
	"figcaption": "p",
}

// forbiddenAttrs lists attributes that should be removed from all elements.
var forbiddenAttrs = map[string]bool{
	"contenteditable": true,
	"draggable":       true,
	"hidden":          true,
	"spellcheck":      true,
	"translate":       true,
}

// TransformHTML rewrites HTML5 sectioning tags under sel into the tags MOBI6
// readers render, keeping the original name as a class, and removes
// attributes those readers reject.
func TransformHTML(sel *goquery.Selection) {
	for origTag, newTag := range tagConversions {
		sel.Find(origTag).Each(func(i int, s *goquery.Selection) {
			existingClass, _ := s.Attr("class")
			if existingClass != "" {
				s.SetAttr("class", existingClass+" "+origTag)
			} else {
				s.SetAttr("class", origTag)
			}
			node := s.Get(0)
			node.Data = newTag
			node.DataAtom = atom.Lookup([]byte(newTag))
		})
	}

	sel.Find("*").Each(func(i int, s *goquery.Selection) {
		node := s.Get(0)
		var toRemove []string
		for _, attr := range node.Attr {
			if forbiddenAttrs[attr.Key] || strings.HasPrefix(attr.Key, "data-") {
				toRemove = append(toRemove, attr.Key)
			}
		}
		for _, key := range toRemove {
			s.RemoveAttr(key)
		}
	})
}
