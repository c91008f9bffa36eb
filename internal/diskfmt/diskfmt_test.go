package diskfmt_test

import (
	"testing"

	"github.com/blockfs-core/blockfs/internal/diskfmt"
	"github.com/blockfs-core/blockfs/pkg/blockdev"
)

func Test_Superblock_Roundtrips_Through_Encode_Decode(t *testing.T) {
	t.Parallel()

	want := diskfmt.Superblock{
		Magic:       diskfmt.MagicSuperblock,
		Version:     diskfmt.SuperblockVersion,
		BlockSize:   blockdev.BlockSize,
		TotalBlocks: 128,
		Sequence:    9001,
		Head:        3,
		Tail:        17,
	}

	buf := diskfmt.EncodeSuperblock(want)

	if len(buf) != blockdev.BlockSize {
		t.Fatalf("encoded superblock is %d bytes, want %d", len(buf), blockdev.BlockSize)
	}

	got, err := diskfmt.DecodeSuperblock(buf)
	if err != nil {
		t.Fatalf("DecodeSuperblock: %v", err)
	}

	if got != want {
		t.Fatalf("DecodeSuperblock = %+v, want %+v", got, want)
	}
}

func Test_DecodeSuperblock_Returns_Error_When_Buffer_Is_Wrong_Size(t *testing.T) {
	t.Parallel()

	_, err := diskfmt.DecodeSuperblock(make([]byte, 10))
	if err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func Test_DataHeader_Roundtrips_And_Zeroes_Remainder(t *testing.T) {
	t.Parallel()

	want := diskfmt.DataHeader{
		Magic:    diskfmt.MagicDataHeader,
		Target:   42,
		Checksum: 0xDEADBEEF,
	}

	buf := diskfmt.EncodeDataHeader(want)

	for i := 12; i < len(buf); i++ {
		if buf[i] != 0 {
			t.Fatalf("byte %d of encoded data header = %d, want 0", i, buf[i])
		}
	}

	got, err := diskfmt.DecodeDataHeader(buf)
	if err != nil {
		t.Fatalf("DecodeDataHeader: %v", err)
	}

	if got != want {
		t.Fatalf("DecodeDataHeader = %+v, want %+v", got, want)
	}
}

func Test_CommitRecord_Roundtrips(t *testing.T) {
	t.Parallel()

	want := diskfmt.CommitRecord{
		Magic:     diskfmt.MagicCommit,
		TxnID:     123456789,
		NumBlocks: 7,
		Checksum:  0xABCD1234,
	}

	buf := diskfmt.EncodeCommitRecord(want)

	got, err := diskfmt.DecodeCommitRecord(buf)
	if err != nil {
		t.Fatalf("DecodeCommitRecord: %v", err)
	}

	if got != want {
		t.Fatalf("DecodeCommitRecord = %+v, want %+v", got, want)
	}
}

func Test_MagicFromBlock_Reads_Leading_Four_Bytes(t *testing.T) {
	t.Parallel()

	buf := diskfmt.EncodeCommitRecord(diskfmt.CommitRecord{Magic: diskfmt.MagicCommit})

	if got := diskfmt.MagicFromBlock(buf); got != diskfmt.MagicCommit {
		t.Fatalf("MagicFromBlock = %#x, want %#x", got, diskfmt.MagicCommit)
	}
}

func Test_XORChecksum_Is_Order_Sensitive_Within_A_Word_But_Symmetric_Across_Words(t *testing.T) {
	t.Parallel()

	a := []byte{1, 0, 0, 0, 2, 0, 0, 0}
	b := []byte{2, 0, 0, 0, 1, 0, 0, 0}

	if diskfmt.XORChecksum(a) != diskfmt.XORChecksum(b) {
		t.Fatal("XOR fold should be commutative across words")
	}

	c := []byte{1, 2, 0, 0}
	d := []byte{2, 1, 0, 0}

	if diskfmt.XORChecksum(c) == diskfmt.XORChecksum(d) {
		t.Fatal("XOR fold should be sensitive to byte order within a word")
	}

	zero := make([]byte, 8)
	if diskfmt.XORChecksum(zero) != 0 {
		t.Fatal("checksum of all-zero data should be 0")
	}
}

func Test_Bitmap_Roundtrips_And_Pads_To_Block_Boundary(t *testing.T) {
	t.Parallel()

	total := uint32(40000) // forces more than one block of bitmap

	bits := make([]bool, total)
	for i := range bits {
		bits[i] = i%3 == 0
	}

	buf := diskfmt.EncodeBitmap(bits)

	if len(buf)%blockdev.BlockSize != 0 {
		t.Fatalf("encoded bitmap length %d is not block aligned", len(buf))
	}

	got, err := diskfmt.DecodeBitmap(buf, total)
	if err != nil {
		t.Fatalf("DecodeBitmap: %v", err)
	}

	for i := range bits {
		if got[i] != bits[i] {
			t.Fatalf("bit %d = %v, want %v", i, got[i], bits[i])
		}
	}
}

func Test_BitmapBlockLen_Rounds_Up(t *testing.T) {
	t.Parallel()

	cases := []struct {
		total uint32
		want  int
	}{
		{total: 1, want: 1},
		{total: blockdev.BlockSize * 8, want: 1},
		{total: blockdev.BlockSize*8 + 1, want: 2},
	}

	for _, tc := range cases {
		if got := diskfmt.BitmapBlockLen(tc.total); got != tc.want {
			t.Fatalf("BitmapBlockLen(%d) = %d, want %d", tc.total, got, tc.want)
		}
	}
}

func Test_DecodeBitmap_Returns_Error_When_Buffer_Too_Short(t *testing.T) {
	t.Parallel()

	_, err := diskfmt.DecodeBitmap(make([]byte, 1), 100)
	if err == nil {
		t.Fatal("expected error for short bitmap buffer")
	}
}
