package mobi

import (
	"fmt"
	"regexp"
	"strconv"
)

// ImageRecord holds one image record and its 1-based position in the file's
// image range, the value img recindex attributes refer to.
type ImageRecord struct {
	Data     []byte
	Recindex int
}

// ImageMapper tracks which file image records became document images.
// Thumbnails are skipped, so file recindexes and document indexes can differ.
type ImageMapper struct {
	Images          []ImageRecord
	RecindexToIndex map[int]int
}

// NewImageMapper creates a new empty ImageMapper.
func NewImageMapper() *ImageMapper {
	return &ImageMapper{
		Images:          nil,
		RecindexToIndex: make(map[int]int),
	}
}

// AddImage adds the image stored at recindex. Duplicate recindexes are skipped.
func (m *ImageMapper) AddImage(recindex int, data []byte) {
	if _, exists := m.RecindexToIndex[recindex]; exists {
		return
	}
	m.Images = append(m.Images, ImageRecord{Data: data, Recindex: recindex})
	m.RecindexToIndex[recindex] = len(m.Images)
}

// DocumentIndex returns the 1-based document image index for a file recindex.
func (m *ImageMapper) DocumentIndex(recindex int) (int, bool) {
	idx, ok := m.RecindexToIndex[recindex]
	return idx, ok
}

// ImageRecordData returns the raw image data in document order.
func (m *ImageMapper) ImageRecordData() [][]byte {
	if len(m.Images) == 0 {
		return nil
	}
	records := make([][]byte, len(m.Images))
	for i, img := range m.Images {
		records[i] = img.Data
	}
	return records
}

// FormatRecindex formats a 1-based image index the way recindex attributes
// carry it.
func FormatRecindex(n int) string {
	return fmt.Sprintf("%05d", n)
}

// ImageFileName returns the file name chapter HTML uses for image n.
func ImageFileName(n int) string {
	return FormatRecindex(n) + ".jpg"
}

var imageFileNameRe = regexp.MustCompile(`^(\d{5})\.jpg$`)

// ParseImageFileName extracts the image index from names like "00003.jpg".
func ParseImageFileName(name string) (int, bool) {
	m := imageFileNameRe.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n == 0 {
		return 0, false
	}
	return n, true
}

// ParseRecindex parses a recindex attribute value.
func ParseRecindex(value string) (int, bool) {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
