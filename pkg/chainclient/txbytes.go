package chainclient

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// DecodeTx normalizes an encoded transaction into raw bytes. Even-length hex,
// with or without a 0x prefix, is tried first; anything else is read as base64.
func DecodeTx(input string) ([]byte, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidTx)
	}

	h := s
	if strings.HasPrefix(h, "0x") || strings.HasPrefix(h, "0X") {
		h = h[2:]
	}
	if h != "" && len(h)%2 == 0 && isHex(h) {
		b, err := hex.DecodeString(h)
		if err == nil {
			return b, nil
		}
	}

	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) > 0 {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: neither hex nor base64", ErrInvalidTx)
}

// TxHash is the uppercase hex SHA-256 of the raw transaction, the id CometBFT assigns
func TxHash(tx []byte) string {
	sum := sha256.Sum256(tx)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// normalizeHash strips a 0x prefix and uppercases
func normalizeHash(h string) string {
	h = strings.TrimSpace(h)
	if strings.HasPrefix(h, "0x") || strings.HasPrefix(h, "0X") {
		h = h[2:]
	}
	return strings.ToUpper(h)
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
