package rtmp

import "encoding/binary"

// validation type identifiers, see spec §4.3.
const (
	validationType0 = 0
	validationType1 = 1
	validationType2 = 2
)

// offsetTriple is the (p, m, c) fingerprint rule from spec §4.1: read
// P[p..p+4] as four unsigned bytes, sum them, mod m, add c.
type offsetTriple struct {
	p, m, c int
}

var (
	digestOffsetType1    = offsetTriple{p: 8, m: 728, c: 12}
	digestOffsetType2    = offsetTriple{p: 772, m: 728, c: 776}
	publicKeyOffsetType1 = offsetTriple{p: 1532, m: 632, c: 772}
	publicKeyOffsetType2 = offsetTriple{p: 768, m: 632, c: 8}
)

// fingerprintOffset applies the offset-from-fingerprint rule to packet
// p using the (p, m, c) triple t.
func fingerprintOffset(packet []byte, t offsetTriple) int {
	var sum int
	for i := 0; i < 4; i++ {
		sum += int(packet[t.p+i])
	}
	return (sum % t.m) + t.c
}

func digestOffsetFor(validationType int, packet []byte) int {
	if validationType == validationType1 {
		return fingerprintOffset(packet, digestOffsetType1)
	}
	return fingerprintOffset(packet, digestOffsetType2)
}

func publicKeyOffsetFor(validationType int, packet []byte) int {
	if validationType == validationType1 {
		return fingerprintOffset(packet, publicKeyOffsetType1)
	}
	return fingerprintOffset(packet, publicKeyOffsetType2)
}

// scheme selector table, spec §4.3.
var knownVersionTypes = map[uint32]int{
	0x09007C02: validationType1,
	0x09009702: validationType1,
	0x09009F02: validationType1,
	0x0900F602: validationType1,
	0x0A000202: validationType1,
	0x0A000C02: validationType1,
	0x80000102: validationType1,
	0x80000302: validationType2,
	0x0A002002: validationType2,
}

// defaultClientVersion and defaultServerVersion are the engine's
// built-in own-version values (spec §4.3).
var (
	defaultClientVersion = [4]byte{0x09, 0x00, 0x7C, 0x02}
	defaultServerVersion = [4]byte{0x03, 0x05, 0x01, 0x01}
)

// validationTypeForVersion maps a raw 4-byte version to {0, 1, 2}.
func validationTypeForVersion(version [4]byte) int {
	v := binary.BigEndian.Uint32(version[:])
	if t, ok := knownVersionTypes[v]; ok {
		return t
	}
	return validationType0
}

// otherNonZeroType returns the other non-zero validation type, used by
// the client's type-1/type-2 fallback (spec §4.3).
func otherNonZeroType(t int) int {
	if t == validationType1 {
		return validationType2
	}
	return validationType1
}
