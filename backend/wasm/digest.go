package wasm

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// digestPrefix names the hash algorithm in pinned digest strings. Only
// BLAKE3 is supported; the prefix keeps the format self-describing so a
// future algorithm change cannot silently verify against the wrong hash.
const digestPrefix = "blake3:"

// HashImage returns the pinning digest of decoded module bytes in the
// canonical "blake3:<hex>" form. The digest is always computed over the
// raw wasm bytes, after any compression wrapper has been removed, so a
// pin stays valid when an image is recompressed.
func HashImage(data []byte) string {
	sum := blake3.Sum256(data)
	return digestPrefix + hex.EncodeToString(sum[:])
}

// HashImageFile loads the image at path (decompressing if needed) and
// returns its pinning digest.
func HashImageFile(path string) (string, error) {
	data, err := LoadImage(path)
	if err != nil {
		return "", err
	}
	return HashImage(data), nil
}

// ParseDigest parses a "blake3:<hex>" digest string into its raw sum.
func ParseDigest(s string) ([32]byte, error) {
	var sum [32]byte
	rest, ok := strings.CutPrefix(s, digestPrefix)
	if !ok {
		return sum, fmt.Errorf("wasm: digest %q lacks the %q prefix", s, digestPrefix)
	}
	raw, err := hex.DecodeString(rest)
	if err != nil {
		return sum, fmt.Errorf("wasm: digest %q: %w", s, err)
	}
	if len(raw) != len(sum) {
		return sum, fmt.Errorf("wasm: digest is %d bytes, want %d", len(raw), len(sum))
	}
	copy(sum[:], raw)
	return sum, nil
}

// verifyImage checks decoded module bytes against a pinned digest.
func verifyImage(data []byte, pin string) error {
	want, err := ParseDigest(pin)
	if err != nil {
		return err
	}
	if got := blake3.Sum256(data); got != want {
		return fmt.Errorf("wasm: image digest mismatch: computed %s, pinned %s", HashImage(data), pin)
	}
	return nil
}
