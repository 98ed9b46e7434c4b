package shamir

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrInvalidInput       = errors.New("invalid secret or threshold")
	ErrInsufficientShares = errors.New("shares do not reconstruct the secret")
	ErrDuplicateShare     = errors.New("duplicate share index")
)

// Checksum is the hex sha256 of the normalized secret hex.
func Checksum(secretHex string) string {
	sum := sha256.Sum256([]byte(encodeNormalized(secretHex)))
	return hex.EncodeToString(sum[:])
}

// SplitVerified is Split plus a checksum that CombineVerified checks after
// interpolation.
func SplitVerified(secretHex string, k, n int) ([]string, string, error) {
	shares, err := split(secretHex, k, n)
	if err != nil {
		return nil, "", errors.Join(ErrInvalidInput, err)
	}
	return shares, Checksum(secretHex), nil
}

// CombineVerified reconstructs the secret and fails with ErrInsufficientShares
// when the result does not match checksum.
func CombineVerified(shares []string, checksum string) (string, error) {
	points := parseShares(shares)
	if len(points) == 0 {
		return "", ErrInsufficientShares
	}
	seen := make(map[string]struct{}, len(points))
	for _, p := range points {
		key := p.x.String()
		if _, dup := seen[key]; dup {
			return "", ErrDuplicateShare
		}
		seen[key] = struct{}{}
	}
	v, err := interpolate(points)
	if err != nil {
		return "", ErrInsufficientShares
	}
	secret := encodeSecret(v)
	got := Checksum(secret)
	if subtle.ConstantTimeCompare([]byte(got), []byte(strings.ToLower(strings.TrimSpace(checksum)))) != 1 {
		return "", ErrInsufficientShares
	}
	return secret, nil
}

// encodeNormalized pads secretHex the same way Combine formats its output so a
// checksum taken before splitting matches the reconstructed value.
func encodeNormalized(secretHex string) string {
	h := strings.TrimLeft(strings.ToLower(strings.TrimSpace(secretHex)), "0")
	if len(h)%2 != 0 {
		h = "0" + h
	}
	if len(h) < secretHexLen {
		h = strings.Repeat("0", secretHexLen-len(h)) + h
	}
	return h
}
