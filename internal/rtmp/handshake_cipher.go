package rtmp

import "crypto/rc4"

const rc4KeySize = 16

// deriveCipherPair builds the two RC4 states used for an RTMPE session
// from the shared secret and both peers' public keys, already
// warmed-up by discarding the first handshakeSize bytes of each
// keystream (spec §4.5).
//
// The out key is derived from peerPublic and the in key from
// ownPublic; since each side passes its own and its peer's key, one
// side's out key equals the other side's in key, so the same
// derivation serves both the client and the server.
func deriveCipherPair(ownPublic, peerPublic, sharedSecret []byte) (out, in *rc4.Cipher, err error) {
	outKey := hmacSHA256(sharedSecret, peerPublic)[:rc4KeySize]
	inKey := hmacSHA256(sharedSecret, ownPublic)[:rc4KeySize]

	out, err = rc4.NewCipher(outKey)
	if err != nil {
		return nil, nil, err
	}
	in, err = rc4.NewCipher(inKey)
	if err != nil {
		return nil, nil, err
	}

	warmUpCipher(out)
	warmUpCipher(in)
	return out, in, nil
}

// warmUpCipher feeds handshakeSize bytes of keystream through c and
// discards the output, per spec §4.5 and §5's ordering guarantee (ii).
func warmUpCipher(c *rc4.Cipher) {
	scratch := make([]byte, handshakeSize)
	c.XORKeyStream(scratch, scratch)
}
