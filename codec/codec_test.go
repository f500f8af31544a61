package codec

import (
	"bytes"
	"errors"
	"testing"
)

func TestNoopPassesThrough(t *testing.T) {
	var c Noop
	in := []byte("plain")
	sealed, err := c.Seal(in)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	out, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Fatalf("Open(Seal(%q)) = %q", in, out)
	}
}

func TestSecretboxRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], "0123456789abcdef0123456789abcdef")
	c := NewSecretbox(key)

	in := []byte("a value worth protecting")
	sealed, err := c.Seal(in)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if bytes.Contains(sealed, in) {
		t.Fatal("sealed payload contains the plaintext")
	}
	out, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Fatalf("Open(Seal(%q)) = %q", in, out)
	}
}

func TestSecretboxNonceVaries(t *testing.T) {
	var key [32]byte
	c := NewSecretbox(key)
	a, err := c.Seal([]byte("v"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	b, err := c.Seal([]byte("v"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("two seals of one value produced identical payloads")
	}
}

func TestSecretboxRejectsTampering(t *testing.T) {
	var key [32]byte
	c := NewSecretbox(key)
	sealed, err := c.Seal([]byte("v"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := c.Open(sealed); !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("Open() of tampered payload error = %v, want ErrOpenFailed", err)
	}
}

func TestSecretboxRejectsWrongKey(t *testing.T) {
	var k1, k2 [32]byte
	k2[0] = 1
	sealed, err := NewSecretbox(k1).Seal([]byte("v"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if _, err := NewSecretbox(k2).Open(sealed); !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("Open() with wrong key error = %v, want ErrOpenFailed", err)
	}
}

func TestSecretboxRejectsShortPayload(t *testing.T) {
	var key [32]byte
	if _, err := NewSecretbox(key).Open([]byte("short")); !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("Open() of truncated payload error = %v, want ErrOpenFailed", err)
	}
}
