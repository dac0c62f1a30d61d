package rtmp

import "encoding/binary"

const swfVerificationSize = 42

// computeSWFVerification builds the 42-byte SWF-verification payload
// bound to swfHash/swfSize, keyed by the last 32 bytes of the peer's
// S1 (spec §4.7).
func computeSWFVerification(swfHash [32]byte, swfSize uint32, s1DigestKey []byte) [swfVerificationSize]byte {
	digest := hmacSHA256(s1DigestKey, swfHash[:])

	var out [swfVerificationSize]byte
	out[0] = 0x01
	out[1] = 0x01
	binary.BigEndian.PutUint32(out[2:6], swfSize)
	binary.BigEndian.PutUint32(out[6:10], swfSize)
	copy(out[10:42], digest)
	return out
}
