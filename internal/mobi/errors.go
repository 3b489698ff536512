package mobi

import "fmt"

// FormatError reports a structurally invalid file: too short, a missing magic
// tag, or an offset outside the data.
type FormatError struct {
	Part string
	Msg  string
	Err  error
}

func (e *FormatError) Error() string {
	msg := fmt.Sprintf("mobi: invalid %s: %s", e.Part, e.Msg)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Unwrap() error { return e.Err }

func formatErrorf(part, format string, args ...any) error {
	return &FormatError{Part: part, Msg: fmt.Sprintf(format, args...)}
}

// UnsupportedFeatureError reports a valid file that uses something this codec
// does not implement.
type UnsupportedFeatureError struct {
	Feature string
}

func (e *UnsupportedFeatureError) Error() string {
	return "mobi: unsupported feature: " + e.Feature
}

// DecodeRecursionError reports a Huffman/CDIC phrase expansion that exceeded
// the nesting limit or referred back to itself.
type DecodeRecursionError struct {
	Depth  int
	Phrase int
}

func (e *DecodeRecursionError) Error() string {
	return fmt.Sprintf("mobi: huffman dictionary phrase %d exceeds expansion depth %d", e.Phrase, e.Depth)
}

// BuildOverflowError reports content that does not fit a fixed-size field or
// region of the output file.
type BuildOverflowError struct {
	Region string
	Size   int64
	Limit  int64
}

func (e *BuildOverflowError) Error() string {
	return fmt.Sprintf("mobi: %s size %d exceeds limit %d", e.Region, e.Size, e.Limit)
}

func checkLimit(region string, size, limit int64) error {
	if size > limit {
		return &BuildOverflowError{Region: region, Size: size, Limit: limit}
	}
	return nil
}
