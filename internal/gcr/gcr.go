// Package gcr converts 256-byte disk blocks to and from the Group Code
// Recording form the 1541 family writes to the disk surface.
//
// A data block on disk is the marker byte 0x07, 256 payload bytes, the XOR
// checksum of the payload and two padding bytes: 260 bytes, GCR encoded in 65
// groups of 4 plain bytes to 5 GCR bytes. The buffer exchanged with a warp
// drive program carries one trailing byte (the first gap byte) which is never
// written back, so buffers are BufSize long and EncodedSize bytes of them are
// significant.
package gcr

import (
	"github.com/pkg/errors"
)

const (
	BlockSize   = 256
	EncodedSize = 325
	BufSize     = EncodedSize + 1

	// DataMarker tags a data block (as opposed to a header block, 0x08).
	DataMarker = 0x07

	groups = EncodedSize / 5
)

// Error is a decode failure. Code is the drive job code the failure
// corresponds to (4: data block not found, 5: checksum error).
type Error struct {
	Code int
	msg  string
}

func (e *Error) Error() string { return e.msg }

var (
	ErrNoDataBlock = &Error{Code: 4, msg: "gcr: data block marker not found"}
	ErrChecksum    = &Error{Code: 5, msg: "gcr: data block checksum mismatch"}
)

var toGCR = [16]byte{
	0x0a, 0x0b, 0x12, 0x13, 0x0e, 0x0f, 0x16, 0x17,
	0x09, 0x19, 0x1a, 0x1b, 0x0d, 0x1d, 0x1e, 0x15,
}

// fromGCR maps a 5-bit code to its nybble, -1 for codes that never occur.
var fromGCR = func() [32]int8 {
	var t [32]int8
	for i := range t {
		t[i] = -1
	}
	for n, c := range toGCR {
		t[c] = int8(n)
	}
	return t
}()

// encodeGroup packs 4 plain bytes into 5 GCR bytes, most significant bit first.
func encodeGroup(dst []byte, src [4]byte) {
	var acc uint64
	for _, b := range src {
		acc = acc<<10 | uint64(toGCR[b>>4])<<5 | uint64(toGCR[b&0x0f])
	}
	for i := 0; i < 5; i++ {
		dst[i] = byte(acc >> (32 - 8*uint(i)))
	}
}

// decodeGroup unpacks 5 GCR bytes. ok is false if any of the first `want`
// plain bytes contains an invalid code.
func decodeGroup(src []byte, want int) (out [4]byte, ok bool) {
	var acc uint64
	for i := 0; i < 5; i++ {
		acc = acc<<8 | uint64(src[i])
	}
	ok = true
	for i := 0; i < 8; i++ {
		n := fromGCR[(acc>>(35-5*uint(i)))&0x1f]
		if n < 0 {
			if i/2 < want {
				ok = false
			}
			n = 0
		}
		if i&1 == 0 {
			out[i/2] = byte(n) << 4
		} else {
			out[i/2] |= byte(n)
		}
	}
	return out, ok
}

// Encode writes the GCR form of a 256-byte block to dst, which must hold at
// least BufSize bytes. The trailing byte is set to the gap value 0x55.
func Encode(dst, block []byte) error {
	if len(block) < BlockSize || len(dst) < BufSize {
		return errors.Errorf("gcr: short buffer (block %d, gcr %d)", len(block), len(dst))
	}
	chk := block[0] ^ block[1] ^ block[2]
	encodeGroup(dst[0:5], [4]byte{DataMarker, block[0], block[1], block[2]})
	p := block[3:]
	for g := 1; g < groups-1; g++ {
		var q [4]byte
		copy(q[:], p[:4])
		chk ^= q[0] ^ q[1] ^ q[2] ^ q[3]
		encodeGroup(dst[g*5:g*5+5], q)
		p = p[4:]
	}
	chk ^= p[0]
	encodeGroup(dst[(groups-1)*5:EncodedSize], [4]byte{p[0], chk, 0, 0})
	dst[EncodedSize] = 0x55
	return nil
}

// Decode converts a GCR data block back to its 256 payload bytes. It returns
// ErrNoDataBlock if the marker is missing and ErrChecksum if the payload does
// not match the stored checksum or contains codes that never occur.
func Decode(block, src []byte) error {
	if len(block) < BlockSize || len(src) < EncodedSize {
		return errors.Errorf("gcr: short buffer (block %d, gcr %d)", len(block), len(src))
	}
	first, ok := decodeGroup(src[0:5], 4)
	if !ok || first[0] != DataMarker {
		return ErrNoDataBlock
	}
	valid := true
	copy(block[0:3], first[1:])
	chk := first[1] ^ first[2] ^ first[3]
	out := block[3:]
	for g := 1; g < groups-1; g++ {
		q, ok := decodeGroup(src[g*5:g*5+5], 4)
		valid = valid && ok
		copy(out[:4], q[:])
		chk ^= q[0] ^ q[1] ^ q[2] ^ q[3]
		out = out[4:]
	}
	last, ok := decodeGroup(src[(groups-1)*5:EncodedSize], 2)
	valid = valid && ok
	out[0] = last[0]
	chk ^= last[0]
	if !valid || chk != last[1] {
		return ErrChecksum
	}
	return nil
}

// Code returns the job code carried by err, 0 for nil and -1 for errors that
// did not come from this package.
func Code(err error) int {
	if err == nil {
		return 0
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return -1
}
