package rtmp

import (
	"io"
	"math/big"
)

// dhModulusHex is the fixed 1024-bit MODP modulus used for the RTMPE
// key exchange (spec §4.4). This is the well-known RFC 2409 "Second
// Oakley Group" prime: the wire format only requires a fixed 1024-bit
// modulus shared by both peers, and this is the standard choice for
// that bit size.
const dhModulusHex = "" +
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD" +
	"129024E088A67CC74020BBEA63B139B22514A08798E3404" +
	"DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C" +
	"245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B" +
	"7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE6" +
	"5381FFFFFFFFFFFFFFFF"

const dhPublicKeySize = 128

var dhModulus *big.Int
var dhGenerator = big.NewInt(2)

func init() {
	m, ok := new(big.Int).SetString(dhModulusHex, 16)
	if !ok {
		panic("rtmp: invalid DH modulus constant")
	}
	dhModulus = m
}

// dhKeyPair holds a private scalar and its corresponding normalized
// 128-byte public key.
type dhKeyPair struct {
	private *big.Int
	public  [dhPublicKeySize]byte
}

// generateDHKeyPair picks a private scalar from randReader and
// computes 2^x mod dhModulus, normalized to exactly 128 bytes (spec
// §3 invariant, §4.4, §9).
func generateDHKeyPair(randReader io.Reader) (*dhKeyPair, error) {
	// 1024-bit private scalar, same bit size as the modulus, reduced
	// mod the modulus.
	buf := make([]byte, dhPublicKeySize)
	if _, err := io.ReadFull(randReader, buf); err != nil {
		return nil, err
	}
	private := new(big.Int).SetBytes(buf)
	private.Mod(private, dhModulus)
	if private.Sign() == 0 {
		private.SetInt64(1)
	}

	public := new(big.Int).Exp(dhGenerator, private, dhModulus)

	kp := &dhKeyPair{private: private}
	normalizeDHPublicKey(public, kp.public[:])
	return kp, nil
}

// normalizeDHPublicKey writes n's unsigned big-endian encoding into out
// (exactly dhPublicKeySize bytes), left-padding with zeros if shorter
// or dropping the high bytes if longer (spec §3 invariant).
func normalizeDHPublicKey(n *big.Int, out []byte) {
	raw := n.Bytes()
	if len(raw) >= len(out) {
		copy(out, raw[len(raw)-len(out):])
		return
	}
	for i := range out {
		out[i] = 0
	}
	copy(out[len(out)-len(raw):], raw)
}

// sharedSecret derives the DH shared secret from this key pair's
// private scalar and the peer's raw 128-byte public key. The returned
// bytes are the verbatim big-endian unsigned encoding of the result
// (no padding, no truncation) — callers use it directly as HMAC key
// material (spec §4.4).
func (kp *dhKeyPair) sharedSecret(peerPublic []byte) []byte {
	peer := new(big.Int).SetBytes(peerPublic)
	shared := new(big.Int).Exp(peer, kp.private, dhModulus)
	return shared.Bytes()
}
