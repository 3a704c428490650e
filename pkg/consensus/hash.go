package consensus

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// NormalizeHash validates a transaction hash (optional 0x prefix, non-empty, even
// length, hex digits) and returns it without the prefix.
func NormalizeHash(h string) (string, error) {
	h = strings.TrimSpace(h)
	if strings.HasPrefix(h, "0x") || strings.HasPrefix(h, "0X") {
		h = h[2:]
	}
	if h == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidHash)
	}
	if len(h)%2 != 0 {
		return "", fmt.Errorf("%w: odd length %d", ErrInvalidHash, len(h))
	}
	if _, err := hex.DecodeString(h); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	return h, nil
}
