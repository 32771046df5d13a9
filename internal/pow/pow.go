// Package pow implements the hash-based proof-of-work used by the gate.
//
// A candidate message is the challenge prefix followed by the ASCII decimal
// form of a nonce. The work is accepted when the SHA-256 digest of that
// message starts with at least the requested number of zero bits.
package pow

import (
	"crypto/sha256"
	"math/bits"
	"strconv"
)

// MaxDifficulty is the digest width in bits.
const MaxDifficulty = sha256.Size * 8

// LeadingZeroBits counts zero bits from the most significant bit of digest,
// stopping at the first set bit.
func LeadingZeroBits(digest []byte) int {
	n := 0
	for _, b := range digest {
		if b == 0 {
			n += 8
			continue
		}
		return n + bits.LeadingZeros8(b)
	}
	return n
}

// HasLeadingZeroBits reports whether digest starts with at least zeroBits
// zero bits without counting past them.
func HasLeadingZeroBits(digest []byte, zeroBits int) bool {
	if zeroBits <= 0 {
		return true
	}
	if zeroBits > len(digest)*8 {
		return false
	}
	fullBytes := zeroBits / 8
	extraBits := zeroBits % 8
	for i := 0; i < fullBytes; i++ {
		if digest[i] != 0 {
			return false
		}
	}
	if extraBits > 0 {
		mask := byte(0xFF << (8 - extraBits))
		return digest[fullBytes]&mask == 0
	}
	return true
}

// Digest hashes prefix ++ nonce.
func Digest(prefix []byte, nonce string) [sha256.Size]byte {
	msg := make([]byte, 0, len(prefix)+len(nonce))
	msg = append(msg, prefix...)
	msg = append(msg, nonce...)
	return sha256.Sum256(msg)
}

// Canonical reports whether nonce is the decimal form of a non-negative
// integer with no sign or leading zeros, as Solver produces them.
func Canonical(nonce string) bool {
	n, err := strconv.ParseUint(nonce, 10, 64)
	return err == nil && strconv.FormatUint(n, 10) == nonce
}

// Verify recomputes the digest for nonce and checks it against difficulty.
// Non-canonical nonces are rejected.
func Verify(prefix []byte, nonce string, difficulty int) bool {
	if !Canonical(nonce) {
		return false
	}
	d := Digest(prefix, nonce)
	return HasLeadingZeroBits(d[:], difficulty)
}
