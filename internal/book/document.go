// Package book holds the logical document exchanged with the MOBI codec.
package book

import "fmt"

// Document is the parsed or donor form of an ebook.
type Document struct {
	Title       string
	Author      string
	Language    string
	ISBN        string
	Publisher   string
	Description string
	Subjects    []string
	Rights      string
	PublishDate string
	Chapters    []Chapter
	// Images are raw image records. Image n is referenced from HTML as
	// recindex n, i.e. Images[n-1].
	Images [][]byte
	// CoverImage is the 1-based index of the cover in Images, or 0 for none.
	CoverImage int
}

// Chapter is one titled HTML fragment.
type Chapter struct {
	Title string
	HTML  string
}

// Validate checks the invariants the builder relies on.
func (d *Document) Validate() error {
	for i, img := range d.Images {
		if len(img) == 0 {
			return fmt.Errorf("image %d is empty", i+1)
		}
	}
	if d.CoverImage < 0 || d.CoverImage > len(d.Images) {
		return fmt.Errorf("cover image %d out of range (1..%d)", d.CoverImage, len(d.Images))
	}
	return nil
}

// HasISBN reports whether the ISBN field carries a value worth storing.
// An empty string and "0" both mean unset.
func (d *Document) HasISBN() bool {
	return d.ISBN != "" && d.ISBN != "0"
}
