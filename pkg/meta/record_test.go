package meta

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() *Record {
	return &Record{
		RemoteID: "N:package:aa11",
		ParentID: "N:dataset:bb22",
		Name:     "scan.tiff",
		Kind:     KindFile,
		FileID:   Int64(42),
		Size:     Int64(1 << 20),
		Checksum: String("deadbeef"),
		Created:  time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Updated:  time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	r := sampleRecord()

	bytes, err := Encode(r)
	require.NoError(t, err)

	got, err := Decode(bytes)
	require.NoError(t, err)
	assert.True(t, r.Equal(got), "decoded record should equal original")
}

func TestCloneIsDeep(t *testing.T) {
	r := sampleRecord()
	c := r.Clone()

	require.True(t, r.Equal(c))

	*c.Size = 99
	*c.Checksum = "cafe"
	assert.Equal(t, int64(1<<20), *r.Size, "mutating the clone must not touch the original")
	assert.Equal(t, "deadbeef", *r.Checksum)
}

func TestEqualNilHandling(t *testing.T) {
	var nilRec *Record
	assert.True(t, nilRec.Equal(nil))
	assert.False(t, nilRec.Equal(sampleRecord()))
	assert.False(t, sampleRecord().Equal(nil))
}

func TestContentDiffers(t *testing.T) {
	a := sampleRecord()
	b := a.Clone()
	assert.False(t, a.ContentDiffers(b))

	b.Size = Int64(5)
	assert.True(t, a.ContentDiffers(b), "size disagreement is a content difference")

	b = a.Clone()
	b.Checksum = String("other")
	assert.True(t, a.ContentDiffers(b), "checksum disagreement is a content difference")

	// A nil checksum on either side is "unknown", not a difference.
	b = a.Clone()
	b.Checksum = nil
	assert.False(t, a.ContentDiffers(b))
}

func TestKindIsContainer(t *testing.T) {
	assert.True(t, KindOrganization.IsContainer())
	assert.True(t, KindDataset.IsContainer())
	assert.True(t, KindFolder.IsContainer())
	assert.False(t, KindFile.IsContainer())
	assert.False(t, KindPackage.IsContainer())
}

func TestPrettyShowsUnknownFields(t *testing.T) {
	r := &Record{RemoteID: "N:package:cc33", Name: "raw.dat", Kind: KindFile}
	out := r.Pretty()

	assert.Contains(t, out, "N:package:cc33")
	assert.Contains(t, out, "??", "unknown size and checksum render as ??")
}

func TestPrettyDiffMarksDisagreements(t *testing.T) {
	a := sampleRecord()
	b := a.Clone()
	b.Size = Int64(7)

	out := a.PrettyDiff(b)
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if strings.Contains(line, "size") {
			assert.True(t, strings.HasPrefix(line, "!"), "size line should be marked: %q", line)
		} else {
			assert.True(t, strings.HasPrefix(line, " "), "unchanged line should not be marked: %q", line)
		}
	}
}

func TestSizeMB(t *testing.T) {
	r := sampleRecord()
	assert.InDelta(t, 1.0, r.SizeMB(), 0.001)

	r.Size = nil
	assert.Equal(t, float64(-1), r.SizeMB())
}
