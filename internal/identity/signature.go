package identity

import (
	"crypto/ed25519"
	"encoding/base64"
)

// Sign signs message exactly as given and returns a base64 signature. Callers
// own canonicalization: the bytes are never re-serialized.
func Sign(message []byte, secretHex string) (string, error) {
	seed, err := decodeSecret(secretHex)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(ed25519.NewKeyFromSeed(seed), message)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 signature against the key embedded in did. Any
// malformed input reports false.
func Verify(message []byte, signatureB64 string, did string) bool {
	pub, err := ParseDID(did)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}
