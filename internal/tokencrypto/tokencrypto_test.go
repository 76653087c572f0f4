package tokencrypto

import "testing"

func TestSealOpenRoundTrip(t *testing.T) {
	b := New("super-secret-passphrase")
	sealed, err := b.Seal("refresh-token-value")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if sealed == "refresh-token-value" {
		t.Fatalf("sealed value should not equal plaintext")
	}
	opened, err := b.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if opened != "refresh-token-value" {
		t.Fatalf("expected round-trip value, got %q", opened)
	}
}

func TestEmptyPassphraseIsIdentity(t *testing.T) {
	b := New("")
	sealed, err := b.Seal("plain")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if sealed != "plain" {
		t.Fatalf("expected identity seal, got %q", sealed)
	}
	opened, err := b.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if opened != "plain" {
		t.Fatalf("expected identity open, got %q", opened)
	}
}

func TestOpenRejectsMalformedPayload(t *testing.T) {
	b := New("passphrase")
	if _, err := b.Open("no-separator-here"); err == nil {
		t.Fatalf("expected error for malformed payload")
	}
}

func TestDeriveKeyCached(t *testing.T) {
	b := New("passphrase")
	k1, err := b.deriveKey(defaultSalt)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	k2, err := b.deriveKey(defaultSalt)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if &k1[0] != &k2[0] {
		t.Fatalf("expected cached key to be the same slice")
	}
}
