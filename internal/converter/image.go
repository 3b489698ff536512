package converter

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	_ "image/png"
	"strings"

	"github.com/disintegration/imaging"
)

const (
	// DefaultThumbnailWidth matches the cover thumbnails kindlegen writes.
	DefaultThumbnailWidth = 330
	thumbnailJPEGQuality  = 85
	maxDecodePixels       = 100 * 1000 * 1000
)

// ImageInfo describes one image record without decoding its pixels.
type ImageInfo struct {
	Width    int
	Height   int
	Format   string
	Size     int
	Animated bool
}

// DescribeImage reads the dimensions and format of an image record.
func DescribeImage(data []byte) (ImageInfo, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ImageInfo{Size: len(data)}, fmt.Errorf("failed to read image header: %w", err)
	}
	info := ImageInfo{
		Width:  cfg.Width,
		Height: cfg.Height,
		Format: strings.ToLower(format),
		Size:   len(data),
	}
	if info.Format == "gif" {
		if animated, err := isAnimatedGIF(data); err == nil {
			info.Animated = animated
		}
	}
	return info, nil
}

// MakeThumbnail scales an image down to width pixels and encodes it as an
// opaque JPEG for EXTH 202. Images already narrower keep their size.
func MakeThumbnail(data []byte, width int) ([]byte, error) {
	if width <= 0 {
		width = DefaultThumbnailWidth
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to read image header: %w", err)
	}
	if pixels := uint64(cfg.Width) * uint64(cfg.Height); pixels > maxDecodePixels {
		return nil, fmt.Errorf("image too large to decode: %dx%d (%d pixels)", cfg.Width, cfg.Height, pixels)
	}

	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("image decode failed: %w", err)
	}

	var thumb image.Image = src
	if src.Bounds().Dx() > width {
		thumb = imaging.Resize(src, width, 0, imaging.Lanczos)
	}
	if hasAlpha(thumb) {
		b := thumb.Bounds()
		bg := imaging.New(b.Dx(), b.Dy(), color.White)
		thumb = imaging.Overlay(bg, thumb, image.Pt(0, 0), 1.0)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(thumbnailJPEGQuality)); err != nil {
		return nil, fmt.Errorf("jpeg encode failed: %w", err)
	}
	return buf.Bytes(), nil
}

func isAnimatedGIF(data []byte) (bool, error) {
	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return false, err
	}
	return len(g.Image) > 1, nil
}

func hasAlpha(img image.Image) bool {
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			_, _, _, a := img.At(x, y).RGBA()
			if a < 0xFFFF {
				return true
			}
		}
	}
	return false
}
