package mobi

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/text/language"
)

// languageCodeMap maps BCP 47 language tags to MOBI locale codes (Windows LCIDs).
var languageCodeMap = map[string]uint32{
	"en":    0x0409, // English (US)
	"en-GB": 0x0809, // English (UK)
	"ja":    0x0411, // Japanese
	"de":    0x0407, // German
	"fr":    0x040C, // French
	"es":    0x040A, // Spanish
	"it":    0x0410, // Italian
	"pt":    0x0416, // Portuguese (Brazil)
	"pt-PT": 0x0816, // Portuguese (Portugal)
	"zh":    0x0804, // Chinese (Simplified)
	"zh-TW": 0x0404, // Chinese (Traditional)
	"ko":    0x0412, // Korean
	"nl":    0x0413, // Dutch
	"ru":    0x0419, // Russian
	"pl":    0x0415, // Polish
	"sv":    0x041D, // Swedish
	"da":    0x0406, // Danish
	"fi":    0x040B, // Finnish
	"nb":    0x0414, // Norwegian Bokmal
	"cs":    0x0405, // Czech
	"el":    0x0408, // Greek
	"tr":    0x041F, // Turkish
	"uk":    0x0422, // Ukrainian
}

const (
	// defaultLanguageCode is used when the language is not found in the map.
	defaultLanguageCode = 0x0409

	// CompressionNone indicates no compression.
	CompressionNone uint16 = 1
	// CompressionPalmDoc indicates PalmDoc compression.
	CompressionPalmDoc uint16 = 2
	// CompressionHuffCDIC indicates Huffman/CDIC compression ("DH").
	CompressionHuffCDIC uint16 = 17480

	// MaxRecordSize is the maximum size of a single text record (4096 bytes).
	MaxRecordSize uint16 = 4096

	// PalmDOCHeaderSize is the size of the PalmDOC header in bytes.
	PalmDOCHeaderSize = 16

	// MOBIHeaderSize is the size of the MOBI6 header this package writes.
	MOBIHeaderSize = 232

	// minMOBIHeaderSize covers identifier, length, type, encoding, id and version.
	minMOBIHeaderSize = 24

	// EncodingUTF8 is the MOBI encoding code for UTF-8.
	EncodingUTF8 uint32 = 65001
	// EncodingCP1252 is the MOBI encoding code for Windows-1252.
	EncodingCP1252 uint32 = 1252

	// MOBITypeBook is the MOBI type for a Mobipocket book.
	MOBITypeBook uint32 = 2
	// MOBITypeKF8 is the MOBI type for KF8 format.
	MOBITypeKF8 uint32 = 248

	// FileVersionMOBI6 is the file version written by this package.
	FileVersionMOBI6 uint32 = 6
	// FileVersionKF8 is the file version for KF8 format.
	FileVersionKF8 uint32 = 8

	// EXTHFlagPresent indicates that EXTH records are present.
	EXTHFlagPresent uint32 = 0x40

	// NotSet marks an absent record pointer.
	NotSet uint32 = 0xFFFFFFFF

	// record0Padding is the zeroed region reserved after the full name.
	record0Padding = 8192
	// maxRecord0Size is the PalmOS record size limit record 0 must respect.
	maxRecord0Size = 0x10000
)

// LanguageCode converts a BCP 47 language tag to a MOBI language code.
// The full tag is tried first, then its base language. Returns
// defaultLanguageCode (English US) for unknown or empty strings.
func LanguageCode(lang string) uint32 {
	tag, err := language.Parse(lang)
	if err != nil {
		return defaultLanguageCode
	}
	if code, ok := languageCodeMap[tag.String()]; ok {
		return code
	}
	base, _ := tag.Base()
	if code, ok := languageCodeMap[base.String()]; ok {
		return code
	}
	return defaultLanguageCode
}

// LanguageFromCode maps a MOBI locale back to a BCP 47 tag, or "" if unknown.
func LanguageFromCode(code uint32) string {
	for tag, c := range languageCodeMap {
		if c == code {
			return language.Make(tag).String()
		}
	}
	return ""
}

// PalmDOCHeader is the 16-byte header at the start of record 0.
type PalmDOCHeader struct {
	Compression     uint16
	Unused          uint16
	TextLength      uint32
	TextRecordCount uint16
	RecordSize      uint16
	Encryption      uint16
	Unknown         uint16
}

// ParsePalmDOCHeader decodes the PalmDOC header from the start of record 0.
func ParsePalmDOCHeader(rec []byte) (PalmDOCHeader, error) {
	var h PalmDOCHeader
	if len(rec) < PalmDOCHeaderSize {
		return h, formatErrorf("PalmDOC header", "record 0 is %d bytes, need %d", len(rec), PalmDOCHeaderSize)
	}
	if err := binary.Read(bytes.NewReader(rec[:PalmDOCHeaderSize]), binary.BigEndian, &h); err != nil {
		return h, &FormatError{Part: "PalmDOC header", Msg: "decode failed", Err: err}
	}
	return h, nil
}

// Bytes serializes the 16-byte PalmDOC header.
func (h PalmDOCHeader) Bytes() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, PalmDOCHeaderSize))
	if err := binary.Write(buf, binary.BigEndian, h); err != nil {
		return nil, fmt.Errorf("failed to encode PalmDOC header: %w", err)
	}
	return buf.Bytes(), nil
}

// MOBIHeader is the MOBI6 header following the PalmDOC header in record 0.
// Offsets in the comments are relative to the "MOBI" identifier.
type MOBIHeader struct {
	Identifier          [4]byte // 0: "MOBI"
	HeaderLength        uint32  // 4
	MobiType            uint32  // 8
	TextEncoding        uint32  // 12
	UniqueID            uint32  // 16
	FileVersion         uint32  // 20
	OrthographicIndex   uint32  // 24
	InflectionIndex     uint32  // 28
	IndexNames          uint32  // 32
	IndexKeys           uint32  // 36
	ExtraIndex          [6]uint32
	FirstNonBookRecord  uint32 // 64
	FullNameOffset      uint32 // 68, relative to the start of record 0
	FullNameLength      uint32 // 72
	Locale              uint32 // 76
	InputLanguage       uint32 // 80
	OutputLanguage      uint32 // 84
	MinVersion          uint32 // 88
	FirstImageRecord    uint32 // 92
	HuffmanRecordOffset uint32 // 96
	HuffmanRecordCount  uint32 // 100
	HuffmanTableOffset  uint32 // 104
	HuffmanTableLength  uint32 // 108
	EXTHFlags           uint32 // 112
	Reserved1           [32]byte
	Unknown148          uint32 // 148
	DRMOffset           uint32 // 152
	DRMCount            uint32 // 156
	DRMSize             uint32 // 160
	DRMFlags            uint32 // 164
	Reserved2           [8]byte
	FirstContentRecord  uint16 // 176
	LastContentRecord   uint16 // 178
	Unknown180          uint32 // 180
	FCISRecord          uint32 // 184
	FCISCount           uint32 // 188
	FLISRecord          uint32 // 192
	FLISCount           uint32 // 196
	Reserved3           [8]byte
	Unknown208          uint32 // 208
	FirstCompilation    uint32 // 212
	CompilationCount    uint32 // 216
	Unknown220          uint32 // 220
	ExtraRecordFlags    uint32 // 224
	IndexRecord         uint32 // 228
}

// defaultMOBIHeader returns a header with every pointer unset.
func defaultMOBIHeader() MOBIHeader {
	h := MOBIHeader{
		Identifier:          [4]byte{'M', 'O', 'B', 'I'},
		HeaderLength:        MOBIHeaderSize,
		MobiType:            MOBITypeBook,
		TextEncoding:        EncodingUTF8,
		FileVersion:         FileVersionMOBI6,
		OrthographicIndex:   NotSet,
		InflectionIndex:     NotSet,
		IndexNames:          NotSet,
		IndexKeys:           NotSet,
		FirstNonBookRecord:  NotSet,
		Locale:              defaultLanguageCode,
		MinVersion:          FileVersionMOBI6,
		FirstImageRecord:    NotSet,
		HuffmanRecordOffset: NotSet,
		Unknown148:          NotSet,
		DRMOffset:           NotSet,
		FirstContentRecord:  1,
		Unknown180:          1,
		FCISRecord:          NotSet,
		FCISCount:           1,
		FLISRecord:          NotSet,
		FLISCount:           1,
		Unknown208:          NotSet,
		CompilationCount:    NotSet,
		Unknown220:          NotSet,
		IndexRecord:         NotSet,
	}
	for i := range h.ExtraIndex {
		h.ExtraIndex[i] = NotSet
	}
	return h
}

// MOBIHeaderConfig holds the configurable parameters for creating a MOBIHeader.
type MOBIHeaderConfig struct {
	Language           string
	UniqueID           *uint32
	FirstNonBookRecord uint32
	FirstImageRecord   uint32
	FirstContentRecord uint16
	LastContentRecord  uint16
	FCISRecord         uint32
	FLISRecord         uint32
	IndexRecord        uint32
}

// NewMOBIHeader creates a MOBI6 header from the given configuration.
// A random UniqueID is generated with crypto/rand unless one is supplied.
func NewMOBIHeader(cfg MOBIHeaderConfig) (*MOBIHeader, error) {
	var uid uint32
	if cfg.UniqueID != nil {
		uid = *cfg.UniqueID
	} else {
		var err error
		uid, err = generateUniqueID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate unique ID: %w", err)
		}
	}

	h := defaultMOBIHeader()
	h.UniqueID = uid
	h.Locale = LanguageCode(cfg.Language)
	h.FirstNonBookRecord = cfg.FirstNonBookRecord
	h.FirstImageRecord = cfg.FirstImageRecord
	h.FirstContentRecord = cfg.FirstContentRecord
	h.LastContentRecord = cfg.LastContentRecord
	h.FCISRecord = cfg.FCISRecord
	h.FLISRecord = cfg.FLISRecord
	h.IndexRecord = cfg.IndexRecord
	return &h, nil
}

// ParseMOBIHeader decodes the MOBI header starting at data[0]. Fields beyond
// the declared header length keep their unset defaults.
func ParseMOBIHeader(data []byte) (MOBIHeader, error) {
	if len(data) < minMOBIHeaderSize {
		return MOBIHeader{}, formatErrorf("MOBI header", "only %d bytes available", len(data))
	}
	if string(data[0:4]) != "MOBI" {
		return MOBIHeader{}, formatErrorf("MOBI header", "missing MOBI identifier, found %q", data[0:4])
	}
	length := binary.BigEndian.Uint32(data[4:8])
	if length < minMOBIHeaderSize {
		return MOBIHeader{}, formatErrorf("MOBI header", "header length %d too small", length)
	}
	if int64(length) > int64(len(data)) {
		return MOBIHeader{}, formatErrorf("MOBI header", "header length %d exceeds record 0", length)
	}

	// Short headers from older writers are overlaid on a default header.
	defaults, err := defaultMOBIHeader().Bytes()
	if err != nil {
		return MOBIHeader{}, err
	}
	copy(defaults, data[:min(int(length), MOBIHeaderSize)])

	var h MOBIHeader
	if err := binary.Read(bytes.NewReader(defaults), binary.BigEndian, &h); err != nil {
		return MOBIHeader{}, &FormatError{Part: "MOBI header", Msg: "decode failed", Err: err}
	}

	// Extra record data flags are only meaningful for long v5+ headers.
	if length < 0xE4 || h.FileVersion < 5 {
		h.ExtraRecordFlags = 0
	}
	return h, nil
}

// Bytes serializes the MOBI header. The output is always MOBIHeaderSize bytes.
func (h MOBIHeader) Bytes() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, MOBIHeaderSize))
	if err := binary.Write(buf, binary.BigEndian, h); err != nil {
		return nil, fmt.Errorf("failed to encode MOBI header: %w", err)
	}
	return buf.Bytes(), nil
}

// TrailingFlags returns the extra record data flags used to strip text records.
func (h MOBIHeader) TrailingFlags() uint16 {
	return uint16(h.ExtraRecordFlags)
}

// Record0 is the decoded content of the first PDB record.
type Record0 struct {
	PalmDOC  PalmDOCHeader
	MOBI     MOBIHeader
	EXTH     *EXTHHeader
	FullName []byte
}

// ParseRecord0 decodes the PalmDOC, MOBI and EXTH headers and the full name.
func ParseRecord0(rec []byte) (*Record0, error) {
	palm, err := ParsePalmDOCHeader(rec)
	if err != nil {
		return nil, err
	}
	mobiHeader, err := ParseMOBIHeader(rec[PalmDOCHeaderSize:])
	if err != nil {
		return nil, err
	}

	r := &Record0{PalmDOC: palm, MOBI: mobiHeader}

	if mobiHeader.EXTHFlags&EXTHFlagPresent != 0 {
		exthStart := PalmDOCHeaderSize + int(mobiHeader.HeaderLength)
		exth, err := ParseEXTHHeader(rec[exthStart:])
		if err != nil {
			return nil, err
		}
		r.EXTH = exth
	}

	start := int64(mobiHeader.FullNameOffset)
	end := start + int64(mobiHeader.FullNameLength)
	if mobiHeader.FullNameLength > 0 {
		if end > int64(len(rec)) {
			return nil, formatErrorf("MOBI header", "full name %d+%d outside record 0 of %d bytes", start, mobiHeader.FullNameLength, len(rec))
		}
		r.FullName = rec[start:end]
	}

	return r, nil
}

// Record0Bytes assembles record 0: PalmDOC header, MOBI header, EXTH, full
// name and the reserved padding. The full name offset and EXTH flag are
// back-filled into h.
func (h *MOBIHeader) Record0Bytes(palm PalmDOCHeader, exthData []byte, fullName string) ([]byte, error) {
	nameOffset := PalmDOCHeaderSize + MOBIHeaderSize + len(exthData)
	if err := checkLimit("full name", int64(len(fullName)), math.MaxUint16); err != nil {
		return nil, err
	}
	h.FullNameOffset = uint32(nameOffset)
	h.FullNameLength = uint32(len(fullName))
	if len(exthData) > 0 {
		h.EXTHFlags |= EXTHFlagPresent
	} else {
		h.EXTHFlags &^= EXTHFlagPresent
	}

	palmData, err := palm.Bytes()
	if err != nil {
		return nil, err
	}
	mobiData, err := h.Bytes()
	if err != nil {
		return nil, err
	}

	size := nameOffset + len(fullName) + 2
	size += (4 - size%4) % 4
	size += record0Padding
	if err := checkLimit("record 0", int64(size), maxRecord0Size); err != nil {
		return nil, err
	}

	out := make([]byte, 0, size)
	out = append(out, palmData...)
	out = append(out, mobiData...)
	out = append(out, exthData...)
	out = append(out, fullName...)
	out = append(out, make([]byte, size-len(out))...)
	return out, nil
}

// generateUniqueID generates a random uint32 using crypto/rand.
func generateUniqueID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
