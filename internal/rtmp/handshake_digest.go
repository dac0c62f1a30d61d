package rtmp

import (
	"crypto/hmac"
	"crypto/sha256"
)

// CLIENT_CONST / SERVER_CONST / RANDOM_CRUD, spec §4.6.
var (
	clientConst = []byte("Genuine Adobe Flash Player 001")
	serverConst = []byte("Genuine Adobe Flash Media Server 001")
	randomCrud  = []byte{
		0xF0, 0xEE, 0xC2, 0x4A, 0x80, 0x68, 0xBE, 0xE8,
		0x2E, 0x00, 0xD0, 0xD1, 0x02, 0x9E, 0x7E, 0x57,
		0x6E, 0xEC, 0x5D, 0x2D, 0x29, 0x80, 0x6F, 0xAB,
		0x93, 0xB8, 0xE6, 0x36, 0xCF, 0xEB, 0x31, 0xAE,
	}

	clientConstCrud = append(append([]byte{}, clientConst...), randomCrud...)
	serverConstCrud = append(append([]byte{}, serverConst...), randomCrud...)
)

// digestExcluding computes HMAC-SHA-256 over packet with the 32-byte
// window at [off, off+32) removed, keyed by key (spec §4.2).
func digestExcluding(packet []byte, off int, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(packet[:off])
	h.Write(packet[off+32:])
	return h.Sum(nil)
}

func hmacSHA256(key, message []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(message)
	return h.Sum(nil)
}

// hmacEqual does a constant-time digest comparison, spec §4.2.
func hmacEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}
