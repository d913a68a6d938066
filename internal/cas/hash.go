package cas

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Algorithm is the only digest currently produced.
const Algorithm = "sha256"

// ErrInvalidHash is returned for malformed digests.
var ErrInvalidHash = errors.New("cas: invalid hash")

// Hash identifies a blob as "<algorithm>-<base64 digest>".
type Hash string

// HashBytes returns the digest of b without storing it.
func HashBytes(b []byte) Hash {
	sum := sha256.Sum256(b)
	return fromDigest(sum[:])
}

func fromDigest(d []byte) Hash {
	return Hash(Algorithm + "-" + base64.StdEncoding.EncodeToString(d))
}

// ParseHash validates s and returns it as a Hash.
func ParseHash(s string) (Hash, error) {
	h := Hash(s)
	if _, err := h.digest(); err != nil {
		return "", err
	}
	return h, nil
}

func (h Hash) String() string { return string(h) }

// Hex returns the lowercase hex form of the digest.
func (h Hash) Hex() string {
	d, err := h.digest()
	if err != nil {
		return ""
	}
	return hex.EncodeToString(d)
}

func (h Hash) digest() ([]byte, error) {
	alg, enc, ok := strings.Cut(string(h), "-")
	if !ok || alg != Algorithm {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHash, string(h))
	}
	d, err := base64.StdEncoding.DecodeString(enc)
	if err != nil || len(d) != sha256.Size {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHash, string(h))
	}
	return d, nil
}
