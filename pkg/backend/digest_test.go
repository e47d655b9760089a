package backend

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestComputeDigest(t *testing.T) {
	data := []byte("polystore")

	sha, err := ComputeDigest(HashSHA256, data)
	if err != nil {
		t.Fatalf("sha256: %v", err)
	}
	if !strings.HasPrefix(string(sha), "sha256:") || len(sha) != len("sha256:")+64 {
		t.Fatalf("unexpected sha256 digest %q", sha)
	}

	xx, err := ComputeDigest(HashXXH64, data)
	if err != nil {
		t.Fatalf("xxh64: %v", err)
	}
	if xx.Algorithm() != HashXXH64 || len(xx) != len("xxh64:")+16 {
		t.Fatalf("unexpected xxh64 digest %q", xx)
	}

	def, _ := ComputeDigest("", data)
	if def != sha {
		t.Fatalf("default algorithm digest = %q, want %q", def, sha)
	}

	if _, err := ComputeDigest("md5", data); err == nil {
		t.Fatal("expected error for unsupported algorithm")
	}
}

func TestDigestMatches(t *testing.T) {
	d, _ := ComputeDigest(HashXXH64, []byte("abc"))
	if !d.Matches([]byte("abc")) {
		t.Fatal("expected match")
	}
	if d.Matches([]byte("abd")) {
		t.Fatal("expected mismatch")
	}
	if Digest("").Matches(nil) {
		t.Fatal("empty digest must never match")
	}
	if Digest("deadbeef").Matches([]byte("abc")) {
		t.Fatal("unqualified digest must never match")
	}
}

func TestErrorClassification(t *testing.T) {
	nf := fmt.Errorf("read: %w", &NotFoundError{EntityType: "record", ID: "k"})
	if !errors.Is(nf, ErrNotFound) {
		t.Fatal("NotFoundError should match ErrNotFound")
	}
	dup := &DuplicateKeyError{EntityType: "record", ID: "k"}
	if !errors.Is(dup, ErrAlreadyExists) {
		t.Fatal("DuplicateKeyError should match ErrAlreadyExists")
	}

	cause := errors.New("connection refused")
	unavailable := Unavailable("postgres", cause)
	if !IsUnavailable(unavailable) || !errors.Is(unavailable, cause) {
		t.Fatal("Unavailable should match ErrUnavailable and its cause")
	}
	if Unavailable("postgres", nil) != nil {
		t.Fatal("Unavailable(nil) should be nil")
	}
}
