package visitors

import (
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// FingerprintInput holds the request attributes a fingerprint is derived from.
// Everything is optional; missing attributes only reduce how well two
// browsers behind the same address are told apart.
type FingerprintInput struct {
	UserAgent        string
	IPAddress        string
	ScreenResolution string
	Timezone         string
	Language         string
}

// Fingerprinter builds visitor keys with a keyed BLAKE2b hash, so the raw
// address never has to be stored to recognise a returning browser.
type Fingerprinter struct {
	key         []byte
	rotateDaily bool
}

// NewFingerprinter returns a Fingerprinter keyed with secret. When rotateDaily
// is set the UTC date is mixed in and keys change at midnight.
func NewFingerprinter(secret string, rotateDaily bool) *Fingerprinter {
	key := []byte(secret)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	return &Fingerprinter{key: key, rotateDaily: rotateDaily}
}

// Generate returns a 64 character hex fingerprint. It is deterministic for
// identical input and never fails.
func (f *Fingerprinter) Generate(in FingerprintInput, at time.Time) string {
	parts := []string{
		strings.TrimSpace(in.UserAgent),
		strings.TrimSpace(in.IPAddress),
		strings.TrimSpace(in.ScreenResolution),
		strings.TrimSpace(in.Timezone),
		strings.ToLower(strings.TrimSpace(in.Language)),
	}
	if f.rotateDaily {
		parts = append(parts, at.UTC().Format("2006-01-02"))
	}
	data := []byte(strings.Join(parts, "\x00"))

	h, err := blake2b.New256(f.key)
	if err != nil {
		// only reachable with an oversized key, which NewFingerprinter prevents
		sum := blake2b.Sum256(append(f.key, data...))
		return hex.EncodeToString(sum[:])
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
