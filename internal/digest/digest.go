// Package digest computes content digests used as ETag/validator
// headers for cached variants. zeebo/blake3 is used for its speed on
// the multi-megabyte bodies this gateway routinely caches — much
// larger than the typical OCI blob the teacher's cache package never
// needed to digest itself (it trusts upstream Docker-Content-Digest).
package digest

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Sum returns the hex-encoded BLAKE3 digest of data, suitable for use
// as a strong ETag / validation header.
func Sum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ETag formats digest as a quoted strong validator per RFC 9110 §8.8.3.
func ETag(digest string) string {
	return `"` + digest + `"`
}
