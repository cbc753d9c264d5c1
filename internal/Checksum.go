package internal

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// HashSize is the width of a content digest in bytes.
const HashSize = md5.Size

// ContentHash is a fixed-width file content digest. md5 here is an integrity
// check against transfer corruption, not a security control.
type ContentHash [HashSize]byte

func (h ContentHash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is the all-zero placeholder.
func (h ContentHash) IsZero() bool {
	return h == ContentHash{}
}

// ParseHash decodes a hex digest string into a ContentHash.
func ParseHash(s string) (ContentHash, error) {
	var h ContentHash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("%w: bad hash %q: %v", ErrMalformed, s, err)
	}
	if len(raw) != HashSize {
		return h, fmt.Errorf("%w: hash %q has %d bytes, want %d", ErrMalformed, s, len(raw), HashSize)
	}
	copy(h[:], raw)
	return h, nil
}

// md5Digest returns a fresh streaming content digest.
func md5Digest() hash.Hash {
	return md5.New()
}

// HashReader digests everything remaining in r.
func HashReader(r io.Reader) (ContentHash, error) {
	var h ContentHash
	d := md5.New()
	if _, err := io.Copy(d, r); err != nil {
		return h, err
	}
	copy(h[:], d.Sum(nil))
	return h, nil
}

// HashFile digests the file at path.
func HashFile(path string) (ContentHash, error) {
	f, err := os.Open(path)
	if err != nil {
		return ContentHash{}, ClassifyLocalError(err)
	}
	defer f.Close()
	return HashReader(f)
}

// Verify reports whether got matches want.
func Verify(got, want ContentHash) bool {
	return got == want
}

// DeterministicID derives a stable 128-bit identifier from a seed string.
// The same seed always yields the same id; used for per-game identity values
// that must survive reinstalls.
func DeterministicID(seed string) ContentHash {
	return ContentHash(md5.Sum([]byte(seed)))
}

// PrefixDigest computes the xxhash64 of the first n bytes of the file at
// path. The coordinator records it next to a partial download so a later run
// can tell whether the prefix on disk is still the bytes it wrote, without
// paying for a full-content digest.
func PrefixDigest(path string, n int64) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, ClassifyLocalError(err)
	}
	defer f.Close()

	d := xxhash.New()
	if _, err := io.Copy(d, io.LimitReader(f, n)); err != nil {
		return 0, err
	}
	return d.Sum64(), nil
}
