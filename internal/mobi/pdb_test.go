package mobi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func TestPalmEpochSeconds(t *testing.T) {
	unixZero := time.Unix(0, 0).UTC()
	if PalmEpochSeconds(unixZero) != PalmEpochOffset {
		t.Fatalf("PalmEpochSeconds(Unix epoch) = %d, want %d", PalmEpochSeconds(unixZero), PalmEpochOffset)
	}

	sampleTime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	expected := uint32(sampleTime.Unix()) + PalmEpochOffset
	if PalmEpochSeconds(sampleTime) != expected {
		t.Fatalf("PalmEpochSeconds(%v) = %d, want %d", sampleTime, PalmEpochSeconds(sampleTime), expected)
	}
}

func TestPDBHeaderBytes(t *testing.T) {
	creation := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	modification := creation.Add(2 * time.Hour)

	pdb, err := NewPDB("Sample Book", []int{100, 200}, creation, modification)
	if err != nil {
		t.Fatalf("NewPDB returned error: %v", err)
	}
	headerBytes, err := pdb.HeaderBytes()
	if err != nil {
		t.Fatalf("HeaderBytes returned error: %v", err)
	}

	if len(headerBytes) != PDBHeaderSize {
		t.Fatalf("header length = %d, want %d", len(headerBytes), PDBHeaderSize)
	}
	if string(headerBytes[60:68]) != "BOOKMOBI" {
		t.Fatalf("type/creator = %q, want BOOKMOBI", headerBytes[60:68])
	}
	if got := binary.BigEndian.Uint16(headerBytes[76:78]); got != 2 {
		t.Fatalf("NumRecords = %d, want 2", got)
	}
	if got := binary.BigEndian.Uint32(headerBytes[36:40]); got != PalmEpochSeconds(creation) {
		t.Fatalf("CreationDate = %d, want %d", got, PalmEpochSeconds(creation))
	}
	if got := binary.BigEndian.Uint32(headerBytes[40:44]); got != PalmEpochSeconds(modification) {
		t.Fatalf("ModificationDate = %d, want %d", got, PalmEpochSeconds(modification))
	}
}

func TestPDBHeaderBytes_DatabaseName(t *testing.T) {
	tests := []struct {
		name  string
		title string
		want  string
	}{
		{"empty title", "", ""},
		{"spaces replaced and cut at 31 bytes", "A very long book title that exceeds thirty-one bytes", "A_very_long_book_title_that_exc"},
		{"multibyte title cut on a rune boundary", "あいうえおかきくけこさ", "あいうえおかきくけこ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pdb, err := NewPDB(tt.title, nil, time.Now(), time.Now())
			if err != nil {
				t.Fatalf("NewPDB returned error: %v", err)
			}
			headerBytes, err := pdb.HeaderBytes()
			if err != nil {
				t.Fatalf("HeaderBytes returned error: %v", err)
			}
			name := headerBytes[:32]
			if name[31] != 0 {
				t.Fatal("name field is not NUL terminated")
			}
			if got := string(bytes.TrimRight(name, "\x00")); got != tt.want {
				t.Fatalf("database name = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRecordListBytes(t *testing.T) {
	recordSizes := []int{100, 200, 50}
	creation := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

	pdb, err := NewPDB("Sample Book", recordSizes, creation, creation)
	if err != nil {
		t.Fatalf("NewPDB returned error: %v", err)
	}
	recordList, err := pdb.RecordListBytes()
	if err != nil {
		t.Fatalf("RecordListBytes returned error: %v", err)
	}

	expectedLen := len(recordSizes)*8 + 2
	if len(recordList) != expectedLen {
		t.Fatalf("record list length = %d, want %d", len(recordList), expectedLen)
	}

	offset := uint32(PDBHeaderSize + expectedLen)
	for i, size := range recordSizes {
		entry := recordList[i*8 : i*8+8]
		if got := binary.BigEndian.Uint32(entry[:4]); got != offset {
			t.Fatalf("record %d offset = %d, want %d", i, got, offset)
		}
		if entry[4] != 0 {
			t.Fatalf("record %d attributes = %d, want 0", i, entry[4])
		}
		if uid := uint32(entry[5])<<16 | uint32(entry[6])<<8 | uint32(entry[7]); uid != uint32(i*2) {
			t.Fatalf("record %d unique ID = %d, want %d", i, uid, i*2)
		}
		offset += uint32(size)
	}
	if padding := binary.BigEndian.Uint16(recordList[expectedLen-2:]); padding != 0 {
		t.Fatalf("padding = %d, want 0", padding)
	}
}

func TestNewPDB_ZeroTimeDefaults(t *testing.T) {
	start := time.Now().UTC()
	pdb, err := NewPDB("Default Time", []int{1}, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("NewPDB returned error: %v", err)
	}
	end := time.Now().UTC()

	creationUnix := int64(pdb.Header.CreationDate) - PalmEpochOffset
	modUnix := int64(pdb.Header.ModificationDate) - PalmEpochOffset

	if modUnix != creationUnix {
		t.Fatalf("modification date (%d) should match creation date (%d) when zero time provided", modUnix, creationUnix)
	}

	if creationUnix < start.Unix() || creationUnix > end.Unix() {
		t.Fatalf("creation date %d not within expected range [%d, %d]", creationUnix, start.Unix(), end.Unix())
	}
}

// buildPDBFile assembles a PDB file from records using NewPDB.
func buildPDBFile(t *testing.T, records [][]byte) []byte {
	t.Helper()
	sizes := make([]int, len(records))
	for i, r := range records {
		sizes[i] = len(r)
	}
	pdb, err := NewPDB("Parse Test", sizes, time.Now(), time.Now())
	if err != nil {
		t.Fatalf("NewPDB returned error: %v", err)
	}
	header, err := pdb.HeaderBytes()
	if err != nil {
		t.Fatalf("HeaderBytes returned error: %v", err)
	}
	list, err := pdb.RecordListBytes()
	if err != nil {
		t.Fatalf("RecordListBytes returned error: %v", err)
	}
	out := append(header, list...)
	for _, r := range records {
		out = append(out, r...)
	}
	return out
}

func TestParsePDB_RoundTrip(t *testing.T) {
	records := [][]byte{[]byte("record zero"), []byte("one"), []byte("second record")}
	data := buildPDBFile(t, records)

	pdb, err := ParsePDB(data)
	if err != nil {
		t.Fatalf("ParsePDB returned error: %v", err)
	}
	if got := pdb.DatabaseName(); got != "Parse_Test" {
		t.Fatalf("DatabaseName() = %q, want %q", got, "Parse_Test")
	}

	got := pdb.SplitRecords(data)
	if len(got) != len(records) {
		t.Fatalf("SplitRecords() returned %d records, want %d", len(got), len(records))
	}
	for i := range records {
		if !bytes.Equal(got[i], records[i]) {
			t.Fatalf("record %d = %q, want %q", i, got[i], records[i])
		}
	}
}

func TestParsePDB_Errors(t *testing.T) {
	valid := buildPDBFile(t, [][]byte{[]byte("aaaa"), []byte("bbbb")})

	tests := []struct {
		name string
		data func() []byte
	}{
		{
			name: "shorter than header",
			data: func() []byte { return valid[:40] },
		},
		{
			name: "record table truncated",
			data: func() []byte { return valid[:PDBHeaderSize+4] },
		},
		{
			name: "zero records",
			data: func() []byte {
				d := bytes.Clone(valid)
				binary.BigEndian.PutUint16(d[76:78], 0)
				return d
			},
		},
		{
			name: "offset beyond file",
			data: func() []byte {
				d := bytes.Clone(valid)
				binary.BigEndian.PutUint32(d[PDBHeaderSize+8:], uint32(len(d)+10))
				return d
			},
		},
		{
			name: "offsets not increasing",
			data: func() []byte {
				d := bytes.Clone(valid)
				first := binary.BigEndian.Uint32(d[PDBHeaderSize:])
				binary.BigEndian.PutUint32(d[PDBHeaderSize+8:], first)
				return d
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePDB(tt.data())
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("ParsePDB() error = %v, want FormatError", err)
			}
		})
	}
}

func TestNewPDB_TooManyRecords(t *testing.T) {
	_, err := NewPDB("Big", make([]int, 70000), time.Now(), time.Now())
	var overflow *BuildOverflowError
	if !errors.As(err, &overflow) {
		t.Fatalf("NewPDB() error = %v, want BuildOverflowError", err)
	}
}
