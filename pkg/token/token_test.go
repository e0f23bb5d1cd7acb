package token

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"

	"leakmark/pkg/domain"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := DeriveKey([]byte("unit-test-master-secret-0123456789abcdef"))
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	return key
}

func TestGenerateDeterministic(t *testing.T) {
	key := testKey(t)
	t1, err := Generate(key, 7, "alice@example.com")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	t2, err := Generate(key, 7, "alice@example.com")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if t1 != t2 {
		t.Errorf("same inputs produced different tokens: %s vs %s", t1.Hex(), t2.Hex())
	}
}

func TestGeneratePairwiseDistinct(t *testing.T) {
	key := testKey(t)
	seen := make(map[Token]string)
	recipients := []string{"alice", "bob", "carol", "alice@corp", "a lice"}
	for dist := int64(1); dist <= 20; dist++ {
		for _, r := range recipients {
			tok, err := Generate(key, dist, r)
			if err != nil {
				t.Fatalf("Generate(%d, %q) failed: %v", dist, r, err)
			}
			if prev, dup := seen[tok]; dup {
				t.Fatalf("token collision between %q and (%d,%q)", prev, dist, r)
			}
			seen[tok] = r
		}
	}
}

func TestGenerateKeySeparation(t *testing.T) {
	k1 := testKey(t)
	k2, err := DeriveKey([]byte("another-master-secret-with-32-bytes!!"))
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	t1, _ := Generate(k1, 1, "alice")
	t2, _ := Generate(k2, 1, "alice")
	if t1 == t2 {
		t.Errorf("different keys produced the same token")
	}
}

func TestGenerateRejectsBadInputs(t *testing.T) {
	key := testKey(t)
	if _, err := Generate(key, 1, ""); errors.Cause(err) != domain.ErrInvalidIdentifier {
		t.Errorf("empty recipient: got %v, want ErrInvalidIdentifier", err)
	}
	if _, err := Generate(key, 0, "alice"); errors.Cause(err) != domain.ErrInvalidIdentifier {
		t.Errorf("zero distribution id: got %v, want ErrInvalidIdentifier", err)
	}
	if _, err := Generate(key, 1, "al\x1fice"); errors.Cause(err) != domain.ErrInvalidIdentifier {
		t.Errorf("control character in recipient: got %v, want ErrInvalidIdentifier", err)
	}
	if _, err := Generate([]byte("short"), 1, "alice"); err != ErrKeyTooShort {
		t.Errorf("short key: got %v, want ErrKeyTooShort", err)
	}
}

func TestShareRoundTrip(t *testing.T) {
	key := testKey(t)
	tok, _ := Generate(key, 42, "bob")
	shares := tok.Shares()
	rebuilt, mask := FromShares(shares[:])
	if mask != 0xFF {
		t.Fatalf("mask = %08b, want all shares", mask)
	}
	if rebuilt != tok {
		t.Errorf("rebuilt token %s != %s", rebuilt.Hex(), tok.Hex())
	}
}

func TestPartialShares(t *testing.T) {
	key := testKey(t)
	tok, _ := Generate(key, 42, "bob")
	shares := tok.Shares()
	rebuilt, mask := FromShares(shares[:5])
	if mask != 0b00011111 {
		t.Fatalf("mask = %08b, want low five bits", mask)
	}
	for i := 0; i < 10; i++ {
		if rebuilt[i] != tok[i] {
			t.Fatalf("recovered prefix differs at byte %d", i)
		}
	}
	for i := 10; i < Size; i++ {
		if rebuilt[i] != 0 {
			t.Fatalf("missing share bytes not zeroed at byte %d", i)
		}
	}
}

func TestWireChecksum(t *testing.T) {
	key := testKey(t)
	tok, _ := Generate(key, 3, "carol")
	for _, s := range tok.Shares() {
		w := s.Wire()
		parsed, ok := ParseWire(w[:])
		if !ok {
			t.Fatalf("valid wire rejected: %v", w)
		}
		if parsed != s {
			t.Fatalf("wire round trip mismatch: %+v != %+v", parsed, s)
		}
		w[1] ^= 0x01
		if _, ok := ParseWire(w[:]); ok {
			t.Errorf("corrupted payload accepted: %v", w)
		}
	}
	bad := [WireSize]byte{ShareCount + 1, 0, 0, 0}
	bad[3] = 0 // even a matching crc must not rescue a bad index
	if _, ok := ParseWire(bad[:]); ok {
		t.Errorf("out-of-range share index accepted")
	}
}

func TestStreamLayout(t *testing.T) {
	key := testKey(t)
	tok, _ := Generate(key, 9, "dave")
	stream := tok.Stream()
	var shares []Share
	for i := 0; i < StreamSize; i += WireSize {
		s, ok := ParseWire(stream[i : i+WireSize])
		if !ok {
			t.Fatalf("stream chunk %d did not parse", i/WireSize)
		}
		shares = append(shares, s)
	}
	rebuilt, mask := FromShares(shares)
	if mask != 0xFF || rebuilt != tok {
		t.Errorf("stream did not round trip: mask=%08b", mask)
	}
}

func TestParseHex(t *testing.T) {
	key := testKey(t)
	tok, _ := Generate(key, 5, "erin")
	parsed, err := ParseHex(tok.Hex())
	if err != nil {
		t.Fatalf("ParseHex failed: %v", err)
	}
	if parsed != tok {
		t.Errorf("hex round trip mismatch")
	}
	if _, err := ParseHex("zz"); err == nil {
		t.Errorf("invalid hex accepted")
	}
}

func TestDeriveKeyStable(t *testing.T) {
	master := []byte("unit-test-master-secret-0123456789abcdef")
	k1, err := DeriveKey(master)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	k2, _ := DeriveKey(master)
	if !bytes.Equal(k1, k2) {
		t.Errorf("key derivation not deterministic")
	}
	if _, err := DeriveKey([]byte("short")); err != ErrKeyTooShort {
		t.Errorf("short master accepted: %v", err)
	}
}
