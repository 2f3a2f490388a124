package gcr

import (
	"bytes"
	"math/rand"
	"testing"
)

func randomBlock(r *rand.Rand) []byte {
	b := make([]byte, BlockSize)
	r.Read(b)
	return b
}

func TestRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1541))
	blocks := [][]byte{
		make([]byte, BlockSize),
		bytes.Repeat([]byte{0xff}, BlockSize),
	}
	for i := 0; i < 64; i++ {
		blocks = append(blocks, randomBlock(r))
	}

	for i, blk := range blocks {
		enc := make([]byte, BufSize)
		if err := Encode(enc, blk); err != nil {
			t.Fatalf("block %d: Encode: %v", i, err)
		}
		out := make([]byte, BlockSize)
		if err := Decode(out, enc); err != nil {
			t.Fatalf("block %d: Decode: %v", i, err)
		}
		if !bytes.Equal(out, blk) {
			t.Fatalf("block %d: round trip mismatch", i)
		}
	}
}

func TestEncodedCodesAreValid(t *testing.T) {
	enc := make([]byte, BufSize)
	if err := Encode(enc, randomBlock(rand.New(rand.NewSource(7)))); err != nil {
		t.Fatal(err)
	}
	// No valid GCR stream contains more than two consecutive zero bits.
	acc := ^uint32(0)
	for _, b := range enc[:EncodedSize] {
		for bit := 7; bit >= 0; bit-- {
			acc = acc<<1 | uint32(b>>uint(bit))&1
			if acc&0x7 == 0 {
				t.Fatal("found three consecutive zero bits")
			}
		}
	}
}

func TestSingleBitCorruptionDetected(t *testing.T) {
	blk := randomBlock(rand.New(rand.NewSource(1571)))
	enc := make([]byte, BufSize)
	if err := Encode(enc, blk); err != nil {
		t.Fatal(err)
	}

	// Bytes 0..321 carry the marker, the payload and the checksum.
	out := make([]byte, BlockSize)
	for pos := 0; pos < 322; pos++ {
		for bit := uint(0); bit < 8; bit++ {
			bad := append([]byte(nil), enc...)
			bad[pos] ^= 1 << bit
			if err := Decode(out, bad); err == nil {
				t.Fatalf("flip of byte %d bit %d not detected", pos, bit)
			}
		}
	}
}

func TestDecodeErrorCodes(t *testing.T) {
	blk := randomBlock(rand.New(rand.NewSource(1581)))
	enc := make([]byte, BufSize)
	if err := Encode(enc, blk); err != nil {
		t.Fatal(err)
	}

	t.Run("header marker", func(t *testing.T) {
		bad := append([]byte(nil), enc...)
		encodeGroup(bad[0:5], [4]byte{0x08, blk[0], blk[1], blk[2]})
		err := Decode(make([]byte, BlockSize), bad)
		if err != ErrNoDataBlock {
			t.Fatalf("got %v, want ErrNoDataBlock", err)
		}
		if Code(err) != 4 {
			t.Fatalf("Code = %d, want 4", Code(err))
		}
	})

	t.Run("payload changed", func(t *testing.T) {
		bad := append([]byte(nil), enc...)
		encodeGroup(bad[5:10], [4]byte{blk[3] ^ 0x10, blk[4], blk[5], blk[6]})
		err := Decode(make([]byte, BlockSize), bad)
		if err != ErrChecksum {
			t.Fatalf("got %v, want ErrChecksum", err)
		}
		if Code(err) != 5 {
			t.Fatalf("Code = %d, want 5", Code(err))
		}
	})

	t.Run("padding ignored", func(t *testing.T) {
		good := append([]byte(nil), enc...)
		good[EncodedSize] = 0x00
		if err := Decode(make([]byte, BlockSize), good); err != nil {
			t.Fatalf("trailing byte must not matter: %v", err)
		}
	})
}

func TestShortBuffers(t *testing.T) {
	if err := Encode(make([]byte, 10), make([]byte, BlockSize)); err == nil {
		t.Error("Encode accepted short gcr buffer")
	}
	if err := Decode(make([]byte, BlockSize), make([]byte, 100)); err == nil {
		t.Error("Decode accepted short gcr buffer")
	}
	if Code(nil) != 0 {
		t.Error("Code(nil) != 0")
	}
}
