package mobi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestBuildNavigationIndex_SingleChapter(t *testing.T) {
	idx, err := BuildNavigationIndex([]NavPoint{{Label: "Chapter 1", Offset: 30}}, 200)
	if err != nil {
		t.Fatalf("BuildNavigationIndex error: %v", err)
	}

	if len(idx.Records()) != 3 {
		t.Fatalf("Records() = %d records, want 3", len(idx.Records()))
	}
	if len(idx.Entries) != 1 {
		t.Fatalf("Entries = %d, want 1", len(idx.Entries))
	}
	e := idx.Entries[0]
	if e.ID != "00" || e.Offset != 30 || e.Length != 170 || e.Depth != 0 {
		t.Fatalf("entry = %+v, want id 00 offset 30 length 170 depth 0", e)
	}

	for i, rec := range idx.Records() {
		if len(rec)%4 != 0 {
			t.Errorf("record %d length %d not aligned to 4", i, len(rec))
		}
	}
}

func TestBuildNavigationIndex_PrimaryRecord(t *testing.T) {
	idx, err := BuildNavigationIndex([]NavPoint{{"One", 0}, {"Two", 100}}, 250)
	if err != nil {
		t.Fatalf("BuildNavigationIndex error: %v", err)
	}
	p := idx.Primary

	if string(p[0:4]) != "INDX" {
		t.Fatalf("primary identifier = %q, want INDX", p[0:4])
	}
	u32 := func(off int) uint32 { return binary.BigEndian.Uint32(p[off : off+4]) }

	checks := []struct {
		name   string
		offset int
		want   uint32
	}{
		{"header length", 4, indxHeaderLength},
		{"data record count", 24, 1},
		{"encoding", 28, EncodingUTF8},
		{"language", 32, NotSet},
		{"entry count", 36, 2},
		{"CNCX count", 52, 1},
		{"TAGX offset", 180, indxHeaderLength},
	}
	for _, c := range checks {
		if got := u32(c.offset); got != c.want {
			t.Errorf("%s = %#x, want %#x", c.name, got, c.want)
		}
	}

	tagx := p[indxHeaderLength:]
	if string(tagx[0:4]) != "TAGX" {
		t.Fatalf("TAGX identifier = %q", tagx[0:4])
	}
	wantTags := []byte{1, 1, 1, 0, 2, 1, 2, 0, 3, 1, 4, 0, 4, 1, 8, 0, 0, 0, 0, 1}
	if !bytes.Equal(tagx[12:32], wantTags) {
		t.Fatalf("TAGX tags = %v, want %v", tagx[12:32], wantTags)
	}

	idxt := int(u32(20))
	if string(p[idxt:idxt+4]) != "IDXT" {
		t.Fatalf("IDXT not found at %d", idxt)
	}
	if got := binary.BigEndian.Uint16(p[idxt+4:]); got != uint16(indxHeaderLength+32) {
		t.Fatalf("IDXT entry = %d, want %d", got, indxHeaderLength+32)
	}

	// Last entry id follows TAGX, then the entry count.
	last := p[indxHeaderLength+32:]
	if last[0] != 2 || string(last[1:3]) != "01" {
		t.Fatalf("last entry id = %q, want length-prefixed 01", last[:3])
	}
	if got := binary.BigEndian.Uint16(last[3:5]); got != 2 {
		t.Fatalf("entry count after id = %d, want 2", got)
	}
}

func TestNavigationIndex_RoundTrip(t *testing.T) {
	points := []NavPoint{
		{Label: "Prologue", Offset: 50},
		{Label: "第一章", Offset: 1200},
		{Label: "", Offset: 1200},
		{Label: "Epilogue", Offset: 90000},
	}
	idx, err := BuildNavigationIndex(points, 100000)
	if err != nil {
		t.Fatalf("BuildNavigationIndex error: %v", err)
	}

	entries, err := ParseNavigationIndex(idx.Records(), 0)
	if err != nil {
		t.Fatalf("ParseNavigationIndex error: %v", err)
	}
	if len(entries) != len(points) {
		t.Fatalf("got %d entries, want %d", len(entries), len(points))
	}

	wantLengths := []uint32{1150, 0, 88800, 10000}
	for i, e := range entries {
		if e.Label != points[i].Label {
			t.Errorf("entry %d label = %q, want %q", i, e.Label, points[i].Label)
		}
		if e.Offset != points[i].Offset {
			t.Errorf("entry %d offset = %d, want %d", i, e.Offset, points[i].Offset)
		}
		if e.Length != wantLengths[i] {
			t.Errorf("entry %d length = %d, want %d", i, e.Length, wantLengths[i])
		}
		if e.ID != fmt.Sprintf("%02X", i) {
			t.Errorf("entry %d id = %q", i, e.ID)
		}
	}
}

func TestIndexEntryID(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{0, "00"},
		{10, "0A"},
		{255, "FF"},
		{256, "0100"},
		{4095, "0FFF"},
		{65536, "010000"},
	}
	for _, tt := range tests {
		if got := indexEntryID(tt.n); got != tt.want {
			t.Errorf("indexEntryID(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestBuildNavigationIndex_Errors(t *testing.T) {
	if _, err := BuildNavigationIndex(nil, 10); err == nil {
		t.Fatal("BuildNavigationIndex(nil) should fail")
	}

	_, err := BuildNavigationIndex([]NavPoint{{"B", 100}, {"A", 50}}, 200)
	if err == nil {
		t.Fatal("out of order chapters should fail")
	}

	_, err = BuildNavigationIndex([]NavPoint{{"A", 300}}, 200)
	if err == nil {
		t.Fatal("chapter after EOF should fail")
	}
}

func TestBuildNavigationIndex_Overflow(t *testing.T) {
	t.Run("data record", func(t *testing.T) {
		points := make([]NavPoint, 8000)
		for i := range points {
			points[i] = NavPoint{Label: "C", Offset: uint32(i * 1000)}
		}
		_, err := BuildNavigationIndex(points, 8000*1000)
		var overflow *BuildOverflowError
		if !errors.As(err, &overflow) {
			t.Fatalf("error = %v, want BuildOverflowError", err)
		}
	})

	t.Run("label record", func(t *testing.T) {
		points := make([]NavPoint, 100)
		for i := range points {
			points[i] = NavPoint{Label: strings.Repeat("L", 1000), Offset: uint32(i)}
		}
		_, err := BuildNavigationIndex(points, 100)
		var overflow *BuildOverflowError
		if !errors.As(err, &overflow) {
			t.Fatalf("error = %v, want BuildOverflowError", err)
		}
		if overflow.Region != "CNCX label record" {
			t.Fatalf("overflow region = %q, want CNCX label record", overflow.Region)
		}
	})
}

// buildTestIndexRecords builds a primary record with a custom TAGX table
// and one data record holding entries.
func buildTestIndexRecords(tags []tagxTag, entries [][]byte) [][]byte {
	primary := make([]byte, indxHeaderLength)
	copy(primary, "INDX")
	binary.BigEndian.PutUint32(primary[4:], indxHeaderLength)
	binary.BigEndian.PutUint32(primary[24:], 1)
	primary = append(primary, tagxBytes(tags, 1)...)

	body := &bytes.Buffer{}
	var positions []int
	for _, e := range entries {
		positions = append(positions, indxHeaderLength+body.Len())
		body.Write(e)
	}
	data := make([]byte, indxHeaderLength)
	copy(data, "INDX")
	binary.BigEndian.PutUint32(data[4:], indxHeaderLength)
	binary.BigEndian.PutUint32(data[20:], uint32(indxHeaderLength+body.Len()))
	binary.BigEndian.PutUint32(data[24:], uint32(len(entries)))
	data = append(data, body.Bytes()...)
	data = append(data, "IDXT"...)
	for _, pos := range positions {
		data = binary.BigEndian.AppendUint16(data, uint16(pos))
	}
	return [][]byte{primary, data}
}

func TestParseNavigationIndex_MultiValueTags(t *testing.T) {
	tags := []tagxTag{
		{Tag: 1, Values: 1, Mask: 0x03},
		{Tag: 5, Values: 2, Mask: 0x0C},
		{EndFlag: 1},
	}
	entries := [][]byte{
		// Control byte counts: tag 1 twice, tag 5 once with two values.
		{2, 'A', 'A', 0x06, 0x8A, 0x94, 0x9E, 0xA8},
		// Full masks: byte sizes for tag 1 and tag 5, then the values.
		{2, 'B', 'B', 0x0F, 0x82, 0x81, 0x81, 0x82, 0x83},
	}

	got, err := ParseNavigationIndex(buildTestIndexRecords(tags, entries), 0)
	if err != nil {
		t.Fatalf("ParseNavigationIndex error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}

	want := []map[byte][]uint32{
		{1: {10, 20}, 5: {30, 40}},
		{1: {1, 2}, 5: {3}},
	}
	for i, e := range got {
		for tag, values := range want[i] {
			if fmt.Sprint(e.Tags[tag]) != fmt.Sprint(values) {
				t.Errorf("entry %d tag %d = %v, want %v", i, tag, e.Tags[tag], values)
			}
		}
	}
	if got[0].ID != "AA" || got[0].Offset != 10 {
		t.Errorf("entry 0 = %+v, want id AA offset 10", got[0])
	}
}

func TestParseNavigationIndex_Errors(t *testing.T) {
	valid, err := BuildNavigationIndex([]NavPoint{{"A", 0}}, 10)
	if err != nil {
		t.Fatalf("BuildNavigationIndex error: %v", err)
	}

	badLabel := bytes.Clone(valid.Data)
	// The label offset is the third value after id (3 bytes) and control byte.
	badLabel[indxHeaderLength+4+2] = 0xFF

	tests := []struct {
		name    string
		records [][]byte
		primary int
	}{
		{"primary out of range", valid.Records(), 5},
		{"not INDX", [][]byte{[]byte("garbage that is not an index")}, 0},
		{"missing data records", valid.Records()[:1], 0},
		{"label offset out of range", [][]byte{valid.Primary, badLabel, valid.Labels}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseNavigationIndex(tt.records, tt.primary)
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("ParseNavigationIndex() error = %v, want FormatError", err)
			}
		})
	}
}
