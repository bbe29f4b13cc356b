// Package hashing computes content digests for managed files. The digest is
// the sole unit of artifact identity: filenames are presentation, digests
// are truth.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	syncerrors "git.home.luguber.info/inful/modsync/internal/errors"
)

// FileDigest computes the sha256 digest of the file at path, streaming the
// contents rather than loading them into memory. A locked or unreadable file
// returns a transient IO error; callers must treat a failed digest as
// unequal to every expected value, never as a match.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", syncerrors.TransientIO(fmt.Sprintf("cannot open %s for hashing", path), err)
	}
	defer f.Close()

	return ReaderDigest(f)
}

// ReaderDigest computes the sha256 digest of everything readable from r.
func ReaderDigest(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", syncerrors.TransientIO("read failed while hashing", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Equal reports whether two digests refer to the same content. An empty
// digest (the result of a failed computation) compares unequal to
// everything, including another empty digest.
func Equal(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return a == b
}
