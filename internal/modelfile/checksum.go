package modelfile

import "crypto/sha256"

// ComputeChecksum returns the SHA-256 trailer of an encoded container body.
func ComputeChecksum(body []byte) [32]byte {
	return sha256.Sum256(body)
}

// ValidateChecksum reports ErrChecksumMismatch when computed differs from
// the stored trailer.
func ValidateChecksum(computed, stored [32]byte) error {
	if computed != stored {
		return ErrChecksumMismatch
	}
	return nil
}
