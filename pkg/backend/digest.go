package backend

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// HashAlgorithm names a content digest function.
type HashAlgorithm string

const (
	HashSHA256 HashAlgorithm = "sha256"
	HashXXH64  HashAlgorithm = "xxh64"
)

// Valid reports whether a is a supported algorithm.
func (a HashAlgorithm) Valid() bool {
	return a == HashSHA256 || a == HashXXH64
}

// Digest is an algorithm-qualified content hash, for example "sha256:9f86d0...".
type Digest string

// ComputeDigest hashes data with alg. An empty alg means sha256.
func ComputeDigest(alg HashAlgorithm, data []byte) (Digest, error) {
	switch alg {
	case HashSHA256, "":
		sum := sha256.Sum256(data)
		return Digest(string(HashSHA256) + ":" + hex.EncodeToString(sum[:])), nil
	case HashXXH64:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], xxhash.Sum64(data))
		return Digest(string(HashXXH64) + ":" + hex.EncodeToString(buf[:])), nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm %q", alg)
	}
}

// Algorithm returns the algorithm prefix of d, or "" when d is unqualified.
func (d Digest) Algorithm() HashAlgorithm {
	alg, _, ok := strings.Cut(string(d), ":")
	if !ok {
		return ""
	}
	return HashAlgorithm(alg)
}

// Matches recomputes the digest of data using d's algorithm and compares.
func (d Digest) Matches(data []byte) bool {
	if d == "" {
		return false
	}
	got, err := ComputeDigest(d.Algorithm(), data)
	if err != nil {
		return false
	}
	return got == d
}

func (d Digest) String() string { return string(d) }
