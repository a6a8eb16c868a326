package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RollingHash is the lightweight fallback checksum some peers send:
// h = h*31 + b over bytes, truncated to 32 bits, as 8 hex digits.
func RollingHash(data []byte) string {
	var h uint32
	for _, b := range data {
		h = h*31 + uint32(b)
	}

	return fmt.Sprintf("%08x", h)
}

// VerifyChecksum compares data against sum. A 64 digit sum is treated as
// SHA-256, up to 8 hex digits as RollingHash. Anything else is an error.
func VerifyChecksum(data []byte, sum string) (bool, error) {
	sum = strings.ToLower(strings.TrimSpace(sum))

	switch {
	case len(sum) == sha256.Size*2:
		return Checksum(data) == sum, nil

	case len(sum) > 0 && len(sum) <= 8:
		want, err := strconv.ParseUint(sum, 16, 32)
		if err != nil {
			return false, fmt.Errorf("parsing rolling checksum %q: %w", sum, err)
		}

		got, _ := strconv.ParseUint(RollingHash(data), 16, 32)

		return got == want, nil

	default:
		return false, fmt.Errorf("unrecognised checksum format (%d chars)", len(sum))
	}
}
