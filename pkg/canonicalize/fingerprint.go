package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Fingerprint is the SHA-256 digest of a payload's canonical form. It is the relay's
// idempotency key: two payloads that differ only in key order or whitespace share one.
type Fingerprint [sha256.Size]byte

// Of fingerprints a payload. JSON payloads are canonicalized first; anything that does
// not parse is hashed verbatim. Of never fails.
func Of(payload []byte) Fingerprint {
	if canon, err := Canonical(payload); err == nil {
		return sha256.Sum256(canon)
	}
	return sha256.Sum256(payload)
}

// ParseFingerprint decodes the 64-character hex rendering produced by String.
func ParseFingerprint(s string) (Fingerprint, error) {
	var fp Fingerprint
	s = strings.TrimSpace(s)
	if len(s) != hex.EncodedLen(len(fp)) {
		return fp, fmt.Errorf("fingerprint: want %d hex chars, got %d", hex.EncodedLen(len(fp)), len(s))
	}
	if _, err := hex.Decode(fp[:], []byte(strings.ToLower(s))); err != nil {
		return fp, fmt.Errorf("fingerprint: %w", err)
	}
	return fp, nil
}

func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

// Short is the 10-character prefix used in log lines and previews.
func (f Fingerprint) Short() string { return f.String()[:10] }

func (f Fingerprint) IsZero() bool { return f == Fingerprint{} }

func (f Fingerprint) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *Fingerprint) UnmarshalText(b []byte) error {
	parsed, err := ParseFingerprint(string(b))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
