package secret

import (
	"errors"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := NewSealer("correct horse battery staple")
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	sealed, err := s.Seal("eyJhbGciOi.refresh.token")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if sealed == "eyJhbGciOi.refresh.token" {
		t.Fatal("sealed value must not equal plaintext")
	}

	got, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got != "eyJhbGciOi.refresh.token" {
		t.Errorf("open = %q, want %q", got, "eyJhbGciOi.refresh.token")
	}
}

func TestOpenAcrossSealers(t *testing.T) {
	a, _ := NewSealer("shared-passphrase")
	b, _ := NewSealer("shared-passphrase")

	sealed, err := a.Seal("token")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := b.Open(sealed)
	if err != nil {
		t.Fatalf("open with second sealer: %v", err)
	}
	if got != "token" {
		t.Errorf("open = %q, want %q", got, "token")
	}
}

func TestOpenWrongPassphrase(t *testing.T) {
	a, _ := NewSealer("one")
	b, _ := NewSealer("two")

	sealed, _ := a.Seal("token")
	if _, err := b.Open(sealed); err == nil {
		t.Fatal("expected error with wrong passphrase")
	}
}

func TestOpenMalformed(t *testing.T) {
	s, _ := NewSealer("p")
	if _, err := s.Open("%%%"); !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
	if _, err := s.Open("c2hvcnQ="); !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed for short input", err)
	}
}

func TestNewSealerEmptyPassphrase(t *testing.T) {
	if _, err := NewSealer(""); err == nil {
		t.Fatal("expected error for empty passphrase")
	}
}
